// Package user holds the user processes. Init is the first process started
// by the kernel: it guards the console with a login prompt and hands
// authenticated users a small shell. Everything here runs on the syscall
// surface alone.
package user

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/YuanjieZhao/miniOS/internal/kern"
	"github.com/YuanjieZhao/miniOS/internal/mem"
)

// the only credential pair the login accepts
const (
	username = "cs415"
	password = "EveryonegetsanA"
)

const inputBufSize = 50

// Init controls access to the console, similar to init on Unix.
func Init(p *kern.Process) {
	nameBuf := p.Alloca(32)
	passBuf := p.Alloca(32)

	for {
		p.Sysputs("\nWelcome to miniOS - a not so experimental OS\n")

		fd := p.Sysopen(kern.KBD1)
		if fd < 0 {
			p.Sysputs("init: cannot open keyboard\n")
			return
		}
		p.Sysputs("Username: ")
		p.Sysread(fd, nameBuf, 32)

		p.Sysioctl(fd, kern.IoctlEchoOff)
		p.Sysputs("Password: ")
		p.Sysread(fd, passBuf, 32)

		p.Sysclose(fd)

		user := trimLine(p.PeekString(nameBuf, 32))
		pass := trimLine(p.PeekString(passBuf, 32))

		switch {
		case user == username && pass == password:
			p.Sysputs("\nAuthenticated!\n")
			shellPid := p.Syscreate(Shell, kern.ProcessStackSize)
			p.Syswait(shellPid)
		case user != username && pass != password:
			p.Sysputs("\nIncorrect username and password pair!\n")
		case user != username:
			p.Sysputs("\nIncorrect username!\n")
		default:
			p.Sysputs("\nIncorrect password!\n")
		}

		// fresh buffers for the next attempt
		p.PokeBytes(nameBuf, make([]byte, 32))
		p.PokeBytes(passBuf, make([]byte, 32))
	}
}

// shell state shared with the alarm helper processes
var (
	alarmTime  uint32
	shellPid   int
	sigScratch mem.Addr
)

// Shell is a simple command shell: ps, ex, k <pid>, a <ms>[&], t[&].
// A trailing & runs the command's process in the background; EOF exits.
func Shell(p *kern.Process) {
	shellPid = p.Sysgetpid()

	fd := p.Sysopen(kern.KBD1)
	inputBuf := p.Alloca(inputBufSize)
	psBuf := p.Alloca(kern.ProcessStatusesSize)
	sigScratch = p.Alloca(4)

	p.Sysputs("\n")
	for {
		p.PokeBytes(inputBuf, make([]byte, inputBufSize))
		p.Sysputs("> ")

		bytesRead := p.Sysread(fd, inputBuf, inputBufSize-1)
		if bytesRead == 0 {
			// EOF exits the shell
			p.Sysputs("Goodbye! Exiting shell...\n")
			p.Sysclose(fd)
			p.Sysstop()
		}
		if bytesRead == -666 {
			continue
		}

		line := trimLine(p.PeekString(inputBuf, inputBufSize))
		command, arg, background, ok := parseCommand(line)

		switch command {
		case "":
			// empty line
		case "ps":
			if arg != "" || !ok {
				p.Sysputs("Usage: ps\n")
				break
			}
			listProcesses(p, psBuf)
		case "ex":
			if arg != "" || !ok {
				p.Sysputs("Usage: ex\n")
				break
			}
			p.Sysputs("Goodbye! Exiting shell...\n")
			p.Sysclose(fd)
			p.Sysstop()
		case "k":
			pid, err := strconv.Atoi(arg)
			if err != nil || pid <= 0 || !ok {
				p.Sysputs("Usage: k pid\n")
				break
			}
			if pid == shellPid {
				p.Sysputs("Goodbye! Exiting shell...\n")
				p.Sysclose(fd)
			}
			if p.Syskill(pid, 31) == -514 {
				p.Sysputs("No such process\n")
			}
		case "a":
			ms, err := strconv.Atoi(arg)
			if err != nil || ms <= 0 || !ok {
				p.Sysputs("Usage: a number_of_milliseconds\n")
				break
			}
			alarmTime = uint32(ms)
			p.Syssighandler(18, alarmHandler, sigScratch)
			alarmPid := p.Syscreate(alarmProcess, kern.ProcessStackSize)
			if !background {
				p.Syswait(alarmPid)
			}
		case "t":
			if arg != "" || !ok {
				p.Sysputs("Usage: t\n")
				break
			}
			tPid := p.Syscreate(tProcess, kern.ProcessStackSize)
			if !background {
				p.Syswait(tPid)
			}
		default:
			p.Sysputs("Command not found\n")
		}
	}
}

// alarmHandler services the a command: it prints the alarm and disables
// signal 18 again.
func alarmHandler(p *kern.Process, _ mem.Addr) {
	p.Sysputs("ALARM ALARM ALARM\n")
	// one alarm per a command
	p.Syssighandler(18, nil, sigScratch)
}

// alarmProcess sleeps for the requested time and then signals the shell.
func alarmProcess(p *kern.Process) {
	p.Syssleep(alarmTime)
	p.Syskill(shellPid, 18)
}

// tProcess prints a T every 10 seconds or so.
func tProcess(p *kern.Process) {
	for {
		p.Sysputs("T\n")
		p.Syssleep(10000)
	}
}

// listProcesses services ps: every live process, one per line, the idle
// process last.
func listProcesses(p *kern.Process, psBuf mem.Addr) {
	procs := p.Sysgetcputimes(psBuf)
	if procs < 0 {
		p.Sysputs("ps failed\n")
		return
	}
	p.Sysputs("PID  | STATE                | CPU TIME  \n")
	for _, st := range p.DecodeProcessStatuses(psBuf, procs) {
		p.Sysputs(fmt.Sprintf("%-4d | %-20s | %-10d\n",
			st.PID, kern.PrintableState(st.State, st.BlockedQueue), st.CPUTimeMS))
	}
}

// trimLine cuts the input at the first newline.
func trimLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// parseCommand splits a line into command and argument. Reports whether the
// line contains &, in which case everything from the first & on is dropped,
// and ok=false when there is more than one argument.
func parseCommand(line string) (command, arg string, background, ok bool) {
	if i := strings.IndexByte(line, '&'); i >= 0 {
		background = true
		line = line[:i]
	}
	fields := strings.Fields(line)
	switch len(fields) {
	case 0:
		return "", "", background, true
	case 1:
		return fields[0], "", background, true
	case 2:
		return fields[0], fields[1], background, true
	default:
		return fields[0], fields[1], background, false
	}
}
