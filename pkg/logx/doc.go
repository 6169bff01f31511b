// Package logx is adventbot's logging front end over zerolog.
//
// Console output is human readable, the file sink writes JSON lines, and an
// optional Telegram sink forwards WARN and above to the operator chat.
package logx
