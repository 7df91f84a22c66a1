package vocab

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/internal/atomicfile"
	"github.com/cespare/xxhash/v2"
)

const (
	FilePrefix          = "vocab_"
	FrequencyFilePrefix = "vocab_frequency_"
)

var (
	unsafeChars = regexp.MustCompile(`[^\w\s-]`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

// SanitizedFilename makes name safe as a file name: characters other than
// letters, digits, underscores, dashes and whitespace become underscores and
// whitespace runs become dashes.
func SanitizedFilename(name string) string {
	name = strings.TrimSpace(unsafeChars.ReplaceAllString(name, "_"))
	return spaceRuns.ReplaceAllString(name, "-")
}

// DefaultFilename derives a file name from a label when the caller gave none.
func DefaultFilename(label string, storeFrequency bool) string {
	if storeFrequency {
		return FrequencyFilePrefix + SanitizedFilename(label)
	}
	return FilePrefix + SanitizedFilename(label)
}

// WriteOptions configure OrderAndWrite.
type WriteOptions struct {
	Dir      string
	Filename string
	// StoreFrequency prefixes each line with the entry's value. Such files
	// are not plain term to index vocabularies.
	StoreFrequency bool
	// FingerprintShuffle orders terms by a hash of their content instead of
	// by rank, spreading them evenly over sharded consumers.
	FingerprintShuffle bool
}

// OrderAndWrite writes one term per line to Dir/Filename and returns the
// path. Terms that cannot be stored on one line are dropped.
func OrderAndWrite(entries []Entry, opts WriteOptions) (string, error) {
	if opts.Dir == "" || opts.Filename == "" {
		return "", fmt.Errorf("%w: vocabulary file needs a directory and a name", fullpass.ErrInvalidConfig)
	}
	entries = Filter(entries)
	if opts.FingerprintShuffle {
		slices.SortStableFunc(entries, func(a, b Entry) int {
			fa, fb := xxhash.Sum64String(a.Term), xxhash.Sum64String(b.Term)
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return strings.Compare(a.Term, b.Term)
		})
	} else {
		slices.SortStableFunc(entries, compareEntries)
	}

	path := filepath.Join(opts.Dir, opts.Filename)
	err := atomicfile.WriteFile(path, 0o644, func(w *bufio.Writer) error {
		for _, e := range entries {
			if opts.StoreFrequency {
				if _, err := w.WriteString(e.value()); err != nil {
					return err
				}
				if err := w.WriteByte(' '); err != nil {
					return err
				}
			}
			if _, err := w.WriteString(e.Term); err != nil {
				return err
			}
			if err := w.WriteByte('\n'); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("write vocabulary %s: %w", path, err)
	}
	return path, nil
}

func (e Entry) value() string {
	if e.Label != "" {
		return e.Label
	}
	return strconv.FormatFloat(e.Key, 'f', -1, 64)
}

// ReadFile reads a vocabulary file back in file order. With storeFrequency
// each line is split into its value and term; the first comma separated
// field of the value becomes Key.
func ReadFile(path string, storeFrequency bool) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if !storeFrequency {
			entries = append(entries, Entry{Term: text})
			continue
		}
		value, term, ok := strings.Cut(text, " ")
		if !ok {
			return nil, fmt.Errorf("line %d: expected \"<value> <term>\", got %q", line, text)
		}
		first, _, _ := strings.Cut(value, ",")
		key, err := strconv.ParseFloat(first, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid value: %w", line, err)
		}
		entries = append(entries, Entry{Term: term, Key: key, Frequency: key, Label: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return entries, nil
}
