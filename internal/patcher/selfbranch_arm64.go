package patcher

// B .
var selfBranch = []byte{0x00, 0x00, 0x00, 0x14}
