// Command minios boots the kernel on a simulated machine and attaches the
// host terminal as its console and keyboard.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/eiannone/keyboard"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
	cli "gopkg.in/urfave/cli.v2"

	"github.com/YuanjieZhao/miniOS/internal/kern"
	"github.com/YuanjieZhao/miniOS/internal/mem"
	"github.com/YuanjieZhao/miniOS/internal/user"
)

func main() {
	app := &cli.App{
		Name:  "minios",
		Usage: "an educational preemptive microkernel on a simulated machine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "trace",
				Usage: "kernel trace level (panic, error, warn, info, debug, trace)",
				Value: "warn",
			},
			&cli.IntFlag{
				Name:  "memory",
				Usage: "simulated RAM size in megabytes",
				Value: 4,
			},
			&cli.BoolFlag{
				Name:  "no-preempt",
				Usage: "disable the timer interrupt",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("trace"))
	if err != nil {
		return fmt.Errorf("bad trace level: %w", err)
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)

	memCfg := mem.DefaultConfig()
	if mb := c.Int("memory"); mb > 0 {
		memCfg.Size = mem.Addr(mb) << 20
	}

	k := kern.New(kern.Config{
		Mem:     memCfg,
		Console: os.Stdout,
		Logger:  log,
	})

	if !c.Bool("no-preempt") {
		stop := k.StartClock(kern.TimeSlice * time.Millisecond)
		defer stop()
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		stopKbd, err := feedKeyboard(k, log)
		if err != nil {
			return err
		}
		defer stopKbd()
	} else {
		log.Warn("stdin is not a terminal; the keyboard devices will see no input")
	}

	k.Run(user.Init)
	return nil
}

// feedKeyboard turns host key events into scan codes for the simulated
// controller.
func feedKeyboard(k *kern.Kernel, log *logrus.Logger) (stop func(), err error) {
	events, err := keyboard.GetKeys(16)
	if err != nil {
		return nil, fmt.Errorf("cannot grab the keyboard: %w", err)
	}
	go func() {
		for ev := range events {
			if ev.Err != nil {
				log.WithError(ev.Err).Warn("keyboard read failed")
				return
			}
			r := ev.Rune
			switch ev.Key {
			case keyboard.KeyEnter:
				r = '\n'
			case keyboard.KeySpace:
				r = ' '
			case keyboard.KeyBackspace, keyboard.KeyBackspace2:
				r = '\b'
			case keyboard.KeyTab:
				r = '\t'
			case keyboard.KeyCtrlD:
				r = 0x04
			case keyboard.KeyCtrlC:
				r = 0x03
			case keyboard.KeyEsc:
				r = 27
			}
			if r == 0 {
				continue
			}
			if !k.InjectRune(r) {
				log.WithField("rune", r).Debug("untranslatable key dropped")
			}
		}
	}()
	return func() { _ = keyboard.Close() }, nil
}
