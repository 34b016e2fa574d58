package main

import (
	"fmt"
	"os"

	"github.com/caffeineduck/webpbox/codec"
	"github.com/caffeineduck/webpbox/imbuf"
	"github.com/caffeineduck/webpbox/sandbox"
	"github.com/spf13/cobra"
)

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Manage the codec WebAssembly module",
	Long: `Inspect and verify libwebp WebAssembly modules for the wasm backend.

Modules may be plain .wasm or zstd-compressed .wasm.zst files. Pin a module
by putting the digest printed by "module digest" into module.digest in the
config file.`,
}

var moduleDigestCmd = &cobra.Command{
	Use:   "digest FILE",
	Short: "Print the BLAKE3 digest of a module",
	Args:  cobra.ExactArgs(1),
	RunE:  runModuleDigest,
}

var moduleCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compile the configured module and run the ABI handshake",
	Args:  cobra.NoArgs,
	RunE:  runModuleCheck,
}

var moduleCacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Compilation cache commands",
}

var moduleCacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the compilation cache",
	Args:  cobra.NoArgs,
	RunE:  runModuleCacheClear,
}

func init() {
	moduleCacheClearCmd.Flags().String("dir", "", "Cache directory (default: the configured or user cache dir)")

	moduleCacheCmd.AddCommand(moduleCacheClearCmd)
	moduleCmd.AddCommand(moduleDigestCmd, moduleCheckCmd, moduleCacheCmd)
	rootCmd.AddCommand(moduleCmd)
}

func runModuleDigest(cmd *cobra.Command, args []string) error {
	module, err := sandbox.LoadModule(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sandbox.Digest(module), args[0])
	return nil
}

func runModuleCheck(cmd *cobra.Command, args []string) error {
	d, err := newDriver(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close(cmd.Context())

	// Encoding a single pixel runs the handshake and every export on the
	// encode path.
	img, err := imbuf.Alloc(1, 1, 32, imbuf.FlagByteData)
	if err != nil {
		return err
	}
	if _, err := d.EncodeBytes(cmd.Context(), img, codec.EncodeOptions{Quality: 100}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "backend %s: ok\n", cfg.Backend)
	return nil
}

func runModuleCacheClear(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.Module.CacheDir
	}
	if dir == "" || dir == "off" {
		dir = sandbox.DefaultCacheDir()
	}
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
	return nil
}
