package main

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"histoxai/internal/manager"
)

func newPredictCmd(a *app) *cobra.Command {
	var selector string
	cmd := &cobra.Command{
		Use:     "predict <image>",
		Short:   "Classify one tile with the ensemble or a single model",
		Example: "  histoxai predict tile.png\n  histoxai predict tile.png --model DenseNet121",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := readImageFile(args[0])
			if err != nil {
				return err
			}
			mgr, err := a.newManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			pred, err := mgr.Predict(cmd.Context(), img, selector)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pred.Result())
		},
	}
	cmd.Flags().StringVar(&selector, "model", "ensemble", "Model name or \"ensemble\"")
	return cmd
}

func newExplainCmd(a *app) *cobra.Command {
	var selector, types, out string
	cmd := &cobra.Command{
		Use:     "explain <image>",
		Short:   "Write Grad-CAM, LIME and Gradient-SHAP images for one tile",
		Example: "  histoxai explain tile.png --types gradcam,lime --out ./xai",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := readImageFile(args[0])
			if err != nil {
				return err
			}
			mgr, err := a.newManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			exp, err := mgr.Explain(cmd.Context(), img, selector, splitCSV(types))
			if err != nil {
				return err
			}
			written, err := writeArtifacts(out, exp)
			if err != nil {
				return err
			}
			for _, p := range written {
				a.log.Info().Str("path", p).Str("explained_by", exp.ExplainedBy).Msg("wrote")
			}
			return printJSON(cmd.OutOrStdout(), exp.Prediction.Result())
		},
	}
	cmd.Flags().StringVar(&selector, "model", "ensemble", "Model name or \"ensemble\"")
	cmd.Flags().StringVar(&types, "types", "", "Comma-separated methods: gradcam,lime,shap (default all)")
	cmd.Flags().StringVar(&out, "out", ".", "Output directory")
	return cmd
}

func readImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// writeArtifacts stores each present artifact as PNG in dir.
func writeArtifacts(dir string, exp manager.Explanation) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	imgs := map[string]image.Image{}
	if exp.GradCAM != nil {
		imgs["gradcam.png"] = exp.GradCAM
	}
	if exp.LIME != nil {
		imgs["lime.png"] = exp.LIME
	}
	if exp.SHAP != nil {
		imgs["shap.png"] = exp.SHAP.Gray()
	}
	var written []string
	for _, name := range []string{"gradcam.png", "lime.png", "shap.png"} {
		img, ok := imgs[name]
		if !ok {
			continue
		}
		p := filepath.Join(dir, name)
		if err := writePNG(p, img); err != nil {
			return written, err
		}
		written = append(written, p)
	}
	return written, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
