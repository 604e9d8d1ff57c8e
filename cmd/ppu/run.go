package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Plagman/rpcs3/config"
	log "github.com/Plagman/rpcs3/log"
	"github.com/Plagman/rpcs3/ppu"
	"github.com/Plagman/rpcs3/recompiler"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
)

func newRunCmd() *cobra.Command {
	var img imageFlags
	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Execute an image until its main thread exits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runImage(ctx, cfg, args[0], img)
		},
	}
	img.register(cmd)
	return cmd
}

func runImage(ctx context.Context, cfg *config.Config, path string, img imageFlags) error {
	s, err := openSession(ctx, cfg, path, img)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.sys.Initialize(ctx); err != nil {
		return err
	}
	th, err := s.spawn()
	if err != nil {
		return err
	}
	s.sys.Run(th)

	done := make(chan struct{})
	go func() {
		th.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn(log.GeneralMonitoring, "Interrupted", "thread", th.String())
		s.sys.Stop()
		<-done
	}

	if err := th.LastError(); err != nil {
		fmt.Println(th.Dump())
		return fmt.Errorf("%s: %w", th, err)
	}
	fmt.Printf("%s exited: status=%s r3=0x%x\n", th, th.Joiner(), th.GPR[3])
	return nil
}

func newCompileCmd() *cobra.Command {
	var img imageFlags
	cmd := &cobra.Command{
		Use:   "compile <image>",
		Short: "Translate an image into the object cache without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Decoder = config.DecoderLLVM
			s, err := openSession(cmd.Context(), cfg, args[0], img)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.sys.Initialize(cmd.Context()); err != nil {
				return err
			}
			compiled, loaded := s.driver.Stats()
			fmt.Printf("%s: %d objects compiled, %d loaded from %s\n", args[0], compiled, loaded, cfg.CacheDir)
			return nil
		},
	}
	img.register(cmd)
	return cmd
}

func newPlanCmd() *cobra.Command {
	var img imageFlags
	cmd := &cobra.Command{
		Use:   "plan <image>",
		Short: "Show how an image is split into cached objects",
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
			frags, err := recompiler.Plan(cfg, s.sys.Mem, s.mod)
			if err != nil {
				return err
			}
			fmt.Print(planTree(s.mod, frags).String())
			return nil
		},
	}
	img.register(cmd)
	return cmd
}

func planTree(m *recompiler.Module, frags []*recompiler.Fragment) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%s%s (%d functions)", recompiler.CachePath(m), m.Name, len(m.Funcs)))
	for _, f := range frags {
		branch := tree.AddMetaBranch(fmt.Sprintf("%d bytes", f.Bytes), f.Object)
		for _, e := range f.Entries {
			v := fmt.Sprintf("0x%08x +0x%x", e.Addr, e.Size)
			if e.TOC != recompiler.NoTOC {
				v += fmt.Sprintf(" toc=0x%x", e.TOC)
			}
			branch.AddMetaNode(e.Name, v)
		}
		for _, r := range f.Relocs {
			branch.AddMetaNode("reloc", fmt.Sprintf("0x%08x type %d", r.Addr, r.Type))
		}
	}
	return tree
}

// threadLine is one row of the debugger's thread list.
func threadLine(t *ppu.Thread) string {
	return fmt.Sprintf("%s cia=0x%08x prio=%d state=%s joiner=%s", t, t.CIA, t.Prio(), ppu.StateString(t.State()), t.Joiner())
}
