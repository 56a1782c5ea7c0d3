package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var logLevel string
	log := logrus.New()

	root := &cobra.Command{
		Use:   "nufrsim",
		Short: "Run NUFR kernel scenarios against the simulator adapter",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			log.SetLevel(lvl)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "logrus level (trace, debug, info, warn, error)")

	root.AddCommand(newRunCmd(log))
	root.AddCommand(newScenarioCmd(log))
	return root
}

func newRunCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every scenario and report pass/fail",
		RunE: func(cmd *cobra.Command, args []string) error {
			failures := 0
			for _, s := range scenarios {
				err := s.run(log)
				status := "ok"
				if err != nil {
					status = "FAIL: " + err.Error()
					failures++
				}
				fmt.Printf("%-22s %-45s %s\n", s.name, s.desc, status)
			}
			if failures > 0 {
				return fmt.Errorf("%d scenario(s) failed", failures)
			}
			return nil
		},
	}
}

func newScenarioCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "scenario <name>",
		Short: "Run a single named scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ok := findScenario(args[0])
			if !ok {
				names := make([]string, len(scenarios))
				for i, sc := range scenarios {
					names[i] = sc.name
				}
				return fmt.Errorf("unknown scenario %q; available: %v", args[0], names)
			}
			if err := s.run(log); err != nil {
				return fmt.Errorf("%s: %w", s.name, err)
			}
			fmt.Printf("%s: ok\n", s.name)
			return nil
		},
	}
}
