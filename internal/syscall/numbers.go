package syscall

// Num identifies one system call (spec.md §6: "numbered, 32-bit x86
// calling convention with up to six register arguments").
type Num int

const (
	SysFork Num = iota
	SysExecve
	SysExit
	SysWaitpid
	SysGetpid
	SysGetppid
	SysSetpgid
	SysGetpgrp
	SysSetsid
	SysGetsid
	SysKill
	SysSigaction
	SysSigprocmask
	SysAlarm
	SysSleep

	SysGetuid
	SysSetuid
	SysGeteuid
	SysSeteuid
	SysGetgid
	SysSetgid
	SysGetegid
	SysSetegid

	SysOpen
	SysClose
	SysRead
	SysWrite
	SysLseek
	SysDup
	SysDup2
	SysPipe
	SysStat
	SysFstat
	SysChmod
	SysUtime
	SysLink
	SysUnlink
	SysRename
	SysMkdir
	SysRmdir
	SysChdir
	SysGetcwd
	SysFtruncate
	SysIsatty
	SysIoctl
	SysGetdents

	SysSocket
	SysBind
	SysConnect
	SysListen
	SysAccept
	SysSend
	SysRecv
	SysSendto
	SysRecvfrom
	SysSelect
	SysSetsockopt

	SysSbrk

	SysTime
	SysTimes
)
