// gpuinfo initializes the GPU subsystem and reports what it finds: the
// selected backend, device count, memory strategy, peer-access matrix and
// diagnostic counters.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/xianghao-wang/chapel/comm/loopback"
	"github.com/xianghao-wang/chapel/gpu"
	_ "github.com/xianghao-wang/chapel/gpu/cpu"
)

var (
	flagBackend  string
	flagStrategy string
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:           "gpuinfo",
	Short:         "Inspect the GPU subsystem of this node",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	klog.InitFlags(nil)
	rootCmd.Flags().StringVar(&flagBackend, "backend", "",
		"device backend to use (default: $"+gpu.BackendEnv+" or the first registered)")
	rootCmd.Flags().StringVar(&flagStrategy, "strategy", gpu.ArrayOnDevice.String(),
		"memory strategy: array_on_device or unified")
	rootCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "trace every GPU event")
	rootCmd.Flags().AddGoFlagSet(flag.CommandLine)
}

func run(cmd *cobra.Command, args []string) error {
	strategy, err := gpu.ParseMemStrategy(flagStrategy)
	if err != nil {
		return err
	}

	network := loopback.New()
	ctx, err := gpu.Init(gpu.Options{
		BackendName: flagBackend,
		Strategy:    strategy,
		Transport:   network,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := ctx.Shutdown(); err != nil {
			klog.Errorf("GPU subsystem shutdown failed: %v", err)
		}
	}()
	network.Attach(ctx.NodeID(), ctx)
	if flagVerbose {
		ctx.Diags().StartVerbose()
	}

	fmt.Printf("backend:  %s\n", ctx.Backend().Name())
	fmt.Printf("devices:  %d\n", ctx.NumDevices())
	fmt.Printf("strategy: %s\n", ctx.Strategy())

	if ctx.NumDevices() > 1 {
		fmt.Println("peer access:")
		for d1 := gpu.SublocID(0); int(d1) < ctx.NumDevices(); d1++ {
			for d2 := gpu.SublocID(0); int(d2) < ctx.NumDevices(); d2++ {
				if d1 == d2 {
					continue
				}
				can, err := ctx.CanAccessPeer(d1, d2)
				if err != nil {
					return err
				}
				fmt.Printf("  %d -> %d: %v\n", d1, d2, can)
			}
		}
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(ctx.Diags().Collector()); err != nil {
		return err
	}
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	fmt.Println("counters:")
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			fmt.Printf("  %s: %.0f\n", family.GetName(), metric.GetCounter().GetValue())
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
