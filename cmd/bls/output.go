package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/franz/bundle-store/internal/util"
)

// exit codes: 1 internal, 2 usage, 3 integrity
func exitCode(err error) int {
	switch {
	case util.IsUsageError(err), errors.Is(err, util.ErrInvalidConfig):
		return 2
	case util.IsIntegrityError(err):
		return 3
	}
	return 1
}

// parseKeyValues splits repeated key=value flags. Repeating a key collects
// its values in order.
func parseKeyValues(pairs []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, util.Usagef(util.ErrInvalid, "expected key=value, got %q", pair)
		}
		out[key] = append(out[key], value)
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatSize renders a data_size metadata value, passing through values
// that are not byte counts.
func formatSize(value string) string {
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return value
	}
	return humanize.Bytes(n)
}

func printList(w io.Writer, values []string) {
	for _, v := range values {
		fmt.Fprintln(w, v)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
