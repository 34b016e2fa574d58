package main

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/caffeineduck/webpbox/codec"
	"github.com/caffeineduck/webpbox/imbuf"
	"github.com/spf13/cobra"
)

var sniffCmd = &cobra.Command{
	Use:   "sniff FILE",
	Short: "Report whether a file is a WebP image",
	Args:  cobra.ExactArgs(1),
	RunE:  runSniff,
}

var infoCmd = &cobra.Command{
	Use:   "info FILE",
	Short: "Print the dimensions of a WebP image",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var decodeCmd = &cobra.Command{
	Use:   "decode IN.webp OUT.png",
	Short: "Decode a WebP image to PNG",
	Args:  cobra.ExactArgs(2),
	RunE:  runDecode,
}

var thumbCmd = &cobra.Command{
	Use:   "thumb IN.webp OUT.png",
	Short: "Decode a scaled-down WebP image to PNG",
	Long: `Decode a WebP image scaled so that its longer side is --size pixels.

The input file is memory-mapped and decoded straight into the output
buffer at the target size.`,
	Args: cobra.ExactArgs(2),
	RunE: runThumb,
}

var encodeCmd = &cobra.Command{
	Use:   "encode IN OUT.webp",
	Short: "Encode a PNG or JPEG image as WebP",
	Long: `Encode a PNG or JPEG image as WebP.

Quality 100 selects lossless encoding; anything lower is lossy. An ICC
profile given with --icc is embedded in the output.`,
	Args: cobra.ExactArgs(2),
	RunE: runEncode,
}

func init() {
	thumbCmd.Flags().IntP("size", "s", 256, "Longest side of the thumbnail in pixels")
	encodeCmd.Flags().Float32P("quality", "q", 100, "Quality 0-100 (100 is lossless)")
	encodeCmd.Flags().String("icc", "", "ICC profile to embed")

	rootCmd.AddCommand(sniffCmd, infoCmd, decodeCmd, thumbCmd, encodeCmd)
}

func runSniff(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	d, err := newDriver(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close(cmd.Context())

	if d.IsFormat(cmd.Context(), data) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: webp\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: not webp\n", args[0])
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	d, err := newDriver(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close(cmd.Context())

	img, err := d.Decode(cmd.Context(), data, codec.FlagTest)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d alpha=%v\n", args[0], img.Width, img.Height, img.HasAlpha())
	return nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	d, err := newDriver(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close(cmd.Context())

	img, err := d.Decode(cmd.Context(), data, 0)
	if err != nil {
		return err
	}
	return writePNG(args[1], img)
}

func runThumb(cmd *cobra.Command, args []string) error {
	size, _ := cmd.Flags().GetInt("size")

	d, err := newDriver(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close(cmd.Context())

	img, ow, oh, err := d.DecodeThumbnail(cmd.Context(), args[0], size)
	if err != nil {
		return err
	}
	if err := writePNG(args[1], img); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%dx%d -> %dx%d\n", ow, oh, img.Width, img.Height)
	return nil
}

func runEncode(cmd *cobra.Command, args []string) error {
	quality, _ := cmd.Flags().GetFloat32("quality")
	iccPath, _ := cmd.Flags().GetString("icc")

	img, err := readImage(args[0])
	if err != nil {
		return err
	}
	opts := codec.EncodeOptions{Quality: quality}
	if iccPath != "" {
		if opts.ICCProfile, err = os.ReadFile(iccPath); err != nil {
			return err
		}
	}

	d, err := newDriver(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close(cmd.Context())

	return d.Save(cmd.Context(), img, args[1], opts)
}

func readImage(path string) (*imbuf.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return imbuf.FromImage(src)
}

func writePNG(path string, img *imbuf.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img.NRGBA()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
