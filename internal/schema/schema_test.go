package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func testTree() *cobra.Command {
	root := &cobra.Command{Use: "compounder"}
	root.PersistentFlags().Bool("plain", false, "plain output")
	compound := &cobra.Command{Use: "compound", Short: "compound cmds"}
	plan := &cobra.Command{Use: "plan", Short: "plan", RunE: func(*cobra.Command, []string) error { return nil }}
	plan.Flags().StringArray("pool", nil, "pool")
	plan.Flags().String("target", "", "target market")
	_ = plan.MarkFlagRequired("target")
	run := &cobra.Command{
		Use:         "run",
		Short:       "run",
		Annotations: map[string]string{AnnotationSigns: "true"},
		RunE:        func(*cobra.Command, []string) error { return nil },
	}
	compound.AddCommand(plan, run)
	root.AddCommand(compound)
	return root
}

func TestBuildLeaf(t *testing.T) {
	s, err := Build(testTree(), "compound plan")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "compounder compound plan" || s.Signs {
		t.Fatalf("unexpected schema: %+v", s)
	}
	if len(s.Flags) != 2 {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	byName := map[string]FlagSchema{}
	for _, f := range s.Flags {
		byName[f.Name] = f
	}
	if !byName["pool"].Repeatable || !byName["target"].Required {
		t.Fatalf("expected repeatable pool and required target: %+v", s.Flags)
	}
	if len(s.GlobalFlags) != 1 || s.GlobalFlags[0].Name != "plain" {
		t.Fatalf("unexpected global flags: %+v", s.GlobalFlags)
	}
}

func TestBuildPropagatesSigns(t *testing.T) {
	s, err := Build(testTree(), "compound")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !s.Signs || len(s.Subcommands) != 2 {
		t.Fatalf("expected signing subtree: %+v", s)
	}
	if _, err := Build(testTree(), "compound nope"); err == nil {
		t.Fatal("expected unknown command error")
	}
}
