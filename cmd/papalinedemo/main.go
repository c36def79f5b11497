// Command papalinedemo wires a small channel-engine pipeline and runs a
// handful of invocations through it, to give the library's docs a
// runnable example. It is a demo entrypoint, not part of papaline's
// public API (see SPEC_FULL.md's Non-goals: no CLI surface).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/papaline/papaline"
)

func main() {
	var input int

	root := &cobra.Command{
		Use:   "papalinedemo",
		Short: "Run a sample papaline pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(input)
		},
	}
	root.Flags().IntVar(&input, "input", 3, "value fed into the demo pipeline")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDemo(input int) error {
	inc := papaline.NewStage(func(args []any) (any, error) {
		return args[0].(int) + 1, nil
	}, papaline.WithName("inc"))

	double := papaline.NewStage(func(args []any) (any, error) {
		return args[0].(int) * 2, nil
	}, papaline.WithName("double"))

	p := papaline.NewChannelPipeline([]*papaline.Stage{inc, double},
		papaline.WithErrorHandler(func(err error) {
			fmt.Fprintf(os.Stderr, "stage error: %v\n", err)
		}),
	)
	defer p.Stop()

	out, err := p.RunWaitTimeout(time.Second, []any{"timed-out"}, input)
	if err != nil {
		return err
	}

	fmt.Printf("double(inc(%d)) = %v\n", input, out[0])
	return nil
}
