package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Plagman/rpcs3/ppu"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

const debugHelp = `commands:
  c, continue          resume the thread
  s, step              execute one instruction
  b, break <addr>      toggle a breakpoint
  bl                   list breakpoints
  r, regs              dump the thread
  bt                   call stack
  x <addr> [n]         disassemble n instructions
  m <addr> [n]         hex dump n bytes
  pause, resume        global debug stop
  threads              list threads
  sched                scheduler queues
  q, quit              stop and exit`

func newDebugCmd() *cobra.Command {
	var img imageFlags
	var history string
	cmd := &cobra.Command{
		Use:   "debug <image>",
		Short: "Run an image under an interactive console, paused at its entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg, args[0], img)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.sys.Initialize(cmd.Context()); err != nil {
				return err
			}
			th, err := s.spawn()
			if err != nil {
				return err
			}
			th.AddState(ppu.StateDbgPause)
			s.sys.Run(th)

			rl, err := readline.NewEx(&readline.Config{
				Prompt:      "(ppu) ",
				HistoryFile: history,
			})
			if err != nil {
				return fmt.Errorf("readline: %w", err)
			}
			defer rl.Close()
			return (&console{s: s, th: th, out: rl.Stdout()}).loop(cmd.Context(), rl)
		},
	}
	img.register(cmd)
	cmd.Flags().StringVar(&history, "history", "/tmp/ppu_console_history.txt", "console history file")
	return cmd
}

type console struct {
	s   *session
	th  *ppu.Thread
	out io.Writer
}

func (c *console) loop(ctx context.Context, rl *readline.Instance) error {
	fmt.Fprintln(c.out, c.where())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "q" || fields[0] == "quit" {
			return nil
		}
		if err := c.exec(ctx, fields[0], fields[1:]); err != nil {
			fmt.Fprintln(c.out, "error:", err)
		}
	}
}

func (c *console) exec(ctx context.Context, name string, args []string) error {
	slots := c.s.sys.Slots
	switch name {
	case "c", "continue":
		c.th.RemoveState(ppu.StateDbgPause)
	case "s", "step":
		c.th.AddState(ppu.StateDbgStep)
		c.th.RemoveState(ppu.StateDbgPause)
		c.waitPaused(ctx)
		fmt.Fprintln(c.out, c.where())
	case "b", "break":
		addr, err := argAddr(args, 0)
		if err != nil {
			return err
		}
		if slots.ToggleBreakpoint(addr) {
			fmt.Fprintf(c.out, "breakpoint set at 0x%08x\n", addr)
		} else {
			fmt.Fprintf(c.out, "breakpoint cleared at 0x%08x\n", addr)
		}
	case "bl":
		for _, a := range slots.Breakpoints() {
			fmt.Fprintf(c.out, "0x%08x  %s\n", a, ppu.Disasm(slots.Get(a).Opcode(), a))
		}
	case "r", "regs":
		fmt.Fprintln(c.out, c.th.Dump())
	case "bt":
		for i, f := range c.th.CallStack() {
			fmt.Fprintf(c.out, "#%d 0x%08x sp=0x%08x\n", i, f.Addr, f.SP)
		}
	case "x":
		addr, err := argAddr(args, c.th.CIA)
		if err != nil {
			return err
		}
		n := argCount(args, 8)
		for i := uint32(0); i < n; i++ {
			a := addr + 4*i
			w, err := c.s.sys.Mem.Read32(a)
			if err != nil {
				return err
			}
			mark := "  "
			if a == c.th.CIA {
				mark = "=>"
			}
			fmt.Fprintf(c.out, "%s 0x%08x  %08x  %s\n", mark, a, w, ppu.Disasm(ppu.Opcode(w), a))
		}
	case "m":
		addr, err := argAddr(args, 0)
		if err != nil {
			return err
		}
		buf := make([]byte, argCount(args, 64))
		if err := c.s.sys.Mem.ReadBytes(addr, buf); err != nil {
			return err
		}
		fmt.Fprint(c.out, hex.Dump(buf))
	case "pause":
		c.s.sys.Pause()
	case "resume":
		c.s.sys.Resume()
	case "threads":
		for _, t := range c.s.sys.Threads() {
			fmt.Fprintln(c.out, threadLine(t))
		}
	case "sched":
		run, pending, timeouts := c.s.sched.Snapshot()
		for _, t := range run {
			fmt.Fprintln(c.out, "run     ", threadLine(t))
		}
		for _, t := range pending {
			fmt.Fprintln(c.out, "pending ", threadLine(t))
		}
		fmt.Fprintf(c.out, "%d timed waits\n", timeouts)
	case "help", "?":
		fmt.Fprintln(c.out, debugHelp)
	default:
		return fmt.Errorf("unknown command %q (try help)", name)
	}
	return nil
}

// waitPaused gives a single step time to land.
func (c *console) waitPaused(ctx context.Context) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if s := c.th.State(); s&ppu.StateDbgPause != 0 || s&(ppu.StateStop|ppu.StateExit) != 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *console) where() string {
	if c.th.CIA == 0 {
		return fmt.Sprintf("%s paused before entry", c.th)
	}
	w, _ := c.s.sys.Mem.Read32(c.th.CIA)
	return fmt.Sprintf("%s at 0x%08x: %s", c.th, c.th.CIA, ppu.Disasm(ppu.Opcode(w), c.th.CIA))
}

func argAddr(args []string, def uint32) (uint32, error) {
	if len(args) == 0 {
		if def == 0 {
			return 0, errors.New("address required")
		}
		return def, nil
	}
	v, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", args[0], err)
	}
	return uint32(v), nil
}

func argCount(args []string, def uint32) uint32 {
	if len(args) < 2 {
		return def
	}
	v, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil || v == 0 {
		return def
	}
	return uint32(v)
}
