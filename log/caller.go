package log

import "strconv"

type callerInfo struct {
	file     string
	function string
	line     int
	str      string
}

var _UnknownCallerInfo = newCallerInfo("???", "???", 0)

func newCallerInfo(file, function string, line int) *callerInfo {
	return &callerInfo{
		file:     file,
		function: function,
		line:     line,
		str:      file + ":" + strconv.Itoa(line) + " " + function,
	}
}

func (c *callerInfo) String() string {
	return c.str
}
