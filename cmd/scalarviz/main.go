// Command scalarviz inspects what the compiler middle-end generates:
// the folded index expression a shape-tracker pipeline produces, and the
// WGSL a kernel lowers to. It exists for debugging kernels by eye, not
// for end users.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tracekernel/tracekernel/backends/webgpu"
	"github.com/tracekernel/tracekernel/dtypes"
	"github.com/tracekernel/tracekernel/kernel"
	"github.com/tracekernel/tracekernel/scalar"
	"github.com/tracekernel/tracekernel/view"
)

func main() {
	if err := newCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scalarviz",
		Short: "Inspect generated scalar expressions and kernels",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}
	rootCmd.AddCommand(newIndexCmd(), newWGSLCmd())
	return rootCmd
}

func newIndexCmd() *cobra.Command {
	var shapeFlag, permuteFlag, flipFlag, shrinkFlag, padFlag string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Print the folded index expression of a view pipeline",
		Long: `Builds a shape tracker over --shape, applies --shrink, --permute,
--flip, and --pad in that order, and prints the simplified scalar
expression that maps an output linear index back into the source buffer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			shape, err := parseInts(shapeFlag)
			if err != nil {
				return fmt.Errorf("--shape: %w", err)
			}
			st := view.NewShapeTracker(shape)
			if shrinkFlag != "" {
				begins, ends, err := parseRanges(shrinkFlag)
				if err != nil {
					return fmt.Errorf("--shrink: %w", err)
				}
				st = st.Shrink(begins, ends)
			}
			if permuteFlag != "" {
				axes, err := parseAxes(permuteFlag)
				if err != nil {
					return fmt.Errorf("--permute: %w", err)
				}
				st = st.Permute(axes)
			}
			if flipFlag != "" {
				axes, err := parseAxes(flipFlag)
				if err != nil {
					return fmt.Errorf("--flip: %w", err)
				}
				st = st.Flip(axes)
			}
			if padFlag != "" {
				begins, ends, err := parseRanges(padFlag)
				if err != nil {
					return fmt.Errorf("--pad: %w", err)
				}
				st = st.Pad(begins, ends)
			}

			gidx := scalar.NewSpecial("gidx", st.Size(), dtypes.Int32)
			index, inBounds := st.IndexExpr(gidx)
			fmt.Printf("shape:      %v\n", st.Shape())
			fmt.Printf("contiguous: %v\n", st.Contiguous())
			fmt.Printf("index:      %s\n", formatExpr(scalar.Simplify(index)))
			if inBounds != nil {
				fmt.Printf("in-bounds:  %s\n", formatExpr(scalar.Simplify(inBounds)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&shapeFlag, "shape", "", "comma-separated dimension sizes (required)")
	cmd.Flags().StringVar(&shrinkFlag, "shrink", "", "comma-separated lo:hi ranges, one per dimension")
	cmd.Flags().StringVar(&permuteFlag, "permute", "", "comma-separated axis permutation")
	cmd.Flags().StringVar(&flipFlag, "flip", "", "comma-separated axes to reverse")
	cmd.Flags().StringVar(&padFlag, "pad", "", "comma-separated lo:hi padding, one per dimension")
	cobra.CheckErr(cmd.MarkFlagRequired("shape"))
	return cmd
}

func newWGSLCmd() *cobra.Command {
	var sizeFlag int64
	cmd := &cobra.Command{
		Use:   "wgsl",
		Short: "Print the WGSL shader of a copy kernel over --size elements",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sizeFlag <= 0 {
				return fmt.Errorf("--size must be positive, got %d", sizeFlag)
			}
			gidx := scalar.NewSpecial("gidx", sizeFlag, dtypes.Int32)
			expr := scalar.NewGlobalIndex(0, dtypes.Float32, gidx)
			k := kernel.New(dtypes.Float32, sizeFlag, expr, nil)

			bytes := uint64(sizeFlag) * uint64(dtypes.Float32.Size())
			fmt.Printf("// copy kernel: %d elements, %s per buffer\n", sizeFlag, humanize.IBytes(bytes))
			fmt.Print(webgpu.GenerateWGSL(k))
			return nil
		},
	}
	cmd.Flags().Int64Var(&sizeFlag, "size", 1024, "output element count")
	return cmd
}

// formatExpr renders e as a compact s-expression.
func formatExpr(e *scalar.Expr) string {
	switch e.Op {
	case scalar.OpConst:
		return e.Arg.(scalar.Value).String()
	case scalar.OpSpecial:
		return e.Arg.(scalar.SpecialArg).Name
	case scalar.OpGlobalIndex:
		return fmt.Sprintf("(buf%d %s)", e.Arg.(scalar.GlobalIndexArg).Gid, formatExpr(e.Sources[0]))
	default:
		parts := make([]string, 0, len(e.Sources)+1)
		parts = append(parts, e.Op.String())
		for _, s := range e.Sources {
			parts = append(parts, formatExpr(s))
		}
		return "(" + strings.Join(parts, " ") + ")"
	}
}

func parseInts(s string) ([]int64, error) {
	fields := strings.Split(s, ",")
	out := make([]int64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseAxes(s string) ([]int, error) {
	vals, err := parseInts(s)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(vals))
	for i, v := range vals {
		out[i] = int(v)
	}
	return out, nil
}

func parseRanges(s string) (begins, ends []int64, err error) {
	for _, field := range strings.Split(s, ",") {
		lo, hi, found := strings.Cut(strings.TrimSpace(field), ":")
		if !found {
			return nil, nil, fmt.Errorf("range %q is not lo:hi", field)
		}
		b, err := strconv.ParseInt(lo, 10, 64)
		if err != nil {
			return nil, nil, err
		}
		e, err := strconv.ParseInt(hi, 10, 64)
		if err != nil {
			return nil, nil, err
		}
		begins = append(begins, b)
		ends = append(ends, e)
	}
	return begins, ends, nil
}
