package playlist

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vidq/internal/utils"
)

// Merger joins downloaded part files into a single output.
type Merger struct {
	lookPath func(string) (string, error)
}

func NewMerger() *Merger {
	return &Merger{lookPath: exec.LookPath}
}

// Merge concatenates files in order into outputPath. It prefers an ffmpeg stream copy and
// falls back to plain byte concatenation. Source files are removed on success.
func (m *Merger) Merge(ctx context.Context, files []string, outputPath string) error {
	if len(files) == 0 {
		return fmt.Errorf("nothing to merge into %s", outputPath)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	if ffmpeg, err := m.lookPath("ffmpeg"); err == nil {
		err = mergeFFmpeg(ctx, ffmpeg, files, outputPath)
		if err == nil {
			cleanup(files)
			return nil
		}
		log.Warn().Str("op", "playlist/merge").Err(err).Msg("ffmpeg merge failed, concatenating bytes")
	}
	if err := concat(files, outputPath); err != nil {
		return err
	}
	cleanup(files)
	return nil
}

func mergeFFmpeg(ctx context.Context, ffmpeg string, files []string, outputPath string) error {
	listFile := filepath.Join(filepath.Dir(outputPath), utils.TempDirName, filepath.Base(outputPath)+".list.txt")
	if err := os.MkdirAll(filepath.Dir(listFile), 0755); err != nil {
		return err
	}
	f, err := os.Create(listFile)
	if err != nil {
		return fmt.Errorf("error creating segment list file: %w", err)
	}
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			abs = file
		}
		fmt.Fprintf(f, "file '%s'\n", abs)
	}
	f.Close()
	defer os.Remove(listFile)

	cmd := exec.CommandContext(ctx, ffmpeg,
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		"-y",
		outputPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg error: %w\nOutput: %s", err, string(output))
	}
	return nil
}

func concat(files []string, outputPath string) error {
	tempPath := utils.TempPath(outputPath)
	if err := os.MkdirAll(filepath.Dir(tempPath), 0755); err != nil {
		return err
	}
	dst, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("error creating merge output: %w", err)
	}
	for _, file := range files {
		src, err := os.Open(file)
		if err != nil {
			dst.Close()
			os.Remove(tempPath)
			return fmt.Errorf("error opening %s: %w", file, err)
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if err != nil {
			dst.Close()
			os.Remove(tempPath)
			return fmt.Errorf("error copying %s: %w", file, err)
		}
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Rename(tempPath, outputPath)
}

func cleanup(files []string) {
	for _, file := range files {
		os.Remove(file)
	}
}
