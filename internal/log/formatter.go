// Package log provides the logrus formatter used by the feedbridge binary.
package log

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Fields that are always printed first, in this order, when present.
var pinnedFields = []string{"component", "resource", "scope", "batch"}

// Formatter renders entries as "LEVEL[ts] message key=value ..." with
// component/resource/scope/batch pinned to the front so pipeline logs line up.
type Formatter struct {
	inner *logrus.TextFormatter
}

// NewFormatter creates a Formatter. Colors are disabled when noColors is true
// or output is not a terminal (delegated to logrus).
func NewFormatter(noColors bool) *Formatter {
	return &Formatter{
		inner: &logrus.TextFormatter{
			DisableColors:   noColors,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
			SortingFunc:     sortFields,
		},
	}
}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	return f.inner.Format(entry)
}

func sortFields(keys []string) {
	rank := func(k string) int {
		for i, p := range pinnedFields {
			if k == p {
				return i
			}
		}
		if strings.HasPrefix(k, "logrus") || k == logrus.FieldKeyTime || k == logrus.FieldKeyLevel || k == logrus.FieldKeyMsg {
			return -1
		}
		return len(pinnedFields)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		ri, rj := rank(keys[i]), rank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})
}
