package dotenv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadFiles loads KEY=VALUE pairs from each dotenv file that exists, in
// order. Variables already in the environment (including ones set by an
// earlier file) are preserved. Missing files are skipped.
func LoadFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat env file %q: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %q: %w", path, err)
		}
	}
	return nil
}

// LoadFile is LoadFiles for a single path.
func LoadFile(path string) error {
	return LoadFiles(path)
}
