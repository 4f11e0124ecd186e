package inlinehook

import "github.com/hashicorp/go-hclog"

// logger is shared by engines built without WithLogger, the default one
// included.
var logger = hclog.New(&hclog.LoggerOptions{
	Name:  "inlinehook",
	Level: hclog.Off,
})

// SetDebug turns debug logging of engines using the package logger on or off.
func SetDebug(x bool) {
	if x {
		logger.SetLevel(hclog.Debug)
	} else {
		logger.SetLevel(hclog.Off)
	}
}
