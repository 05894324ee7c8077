// Package dotenv loads KEY=VALUE files into the process environment.
package dotenv

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Load reads the given files (".env" when none are given). Missing files are
// skipped and variables already set in the environment win.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var errs []error
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("load %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
