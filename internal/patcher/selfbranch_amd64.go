package patcher

// JMP -2
var selfBranch = []byte{0xeb, 0xfe}
