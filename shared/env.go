package shared

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Version is stamped at build time with -ldflags "-X ...shared.Version=...".
var Version = "dev"

var ErrMissingEnv = errors.New("missing environment variable")

// LoadEnv loads the given dotenv files (".env" when none are given) without
// overriding variables already present in the process environment. Missing
// files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

func GetenvString(v string) (string, error) {
	return v, nil
}

func GetenvBool(v string) (bool, error) {
	return strconv.ParseBool(v)
}

func GetenvInt(v string) (int, error) {
	return strconv.Atoi(v)
}

func GetenvDuration(v string) (time.Duration, error) {
	return time.ParseDuration(v)
}

// Getenv reads key and parses it. An unset or empty variable yields def, or
// ErrMissingEnv when required is set.
func Getenv[T any](parse func(string) (T, error), key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return def, fmt.Errorf("%w: %s", ErrMissingEnv, key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse func(string) (T, error), key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}
