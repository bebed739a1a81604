package logging

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CommandLineFormatter prints the bare message followed by any fields in key=value form.
// Intended for CLI commands whose log output is read by humans.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	if len(entry.Data) == 0 {
		return []byte(fmt.Sprintf("%s\n", entry.Message)), nil
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(entry.Message)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, entry.Data[k]))
	}
	sb.WriteString("\n")
	return []byte(sb.String()), nil
}
