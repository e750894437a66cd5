package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output печатает результаты команд: таблицей для человека или JSON для
// скриптов (--json). Служебные сообщения всегда уходят в errW, чтобы
// stdout в JSON режиме оставался валидным документом.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput пишет в stdout/stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(os.Stdout, os.Stderr, jsonMode)
}

// NewOutputTo пишет в заданные потоки.
func NewOutputTo(w, errW io.Writer, jsonMode bool) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print: таблица headers/rows или jsonData целиком.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	o.render(jsonData, func(tw *tabwriter.Writer) {
		writeRow(tw, headers)
		if len(rows) == 0 {
			fmt.Fprintln(tw, "(none)")
			return
		}
		for _, row := range rows {
			writeRow(tw, row)
		}
	})
}

// KeyValue: "ключ: значение" построчно или jsonData целиком.
func (o *Output) KeyValue(pairs [][2]string, jsonData any) {
	o.render(jsonData, func(tw *tabwriter.Writer) {
		for _, p := range pairs {
			fmt.Fprintf(tw, "%s:\t%s\n", p[0], p[1])
		}
	})
}

// Success печатает сообщение в errW.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

func (o *Output) render(jsonData any, text func(tw *tabwriter.Writer)) {
	if o.jsonMode {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(jsonData); err != nil {
			fmt.Fprintln(o.errW, "encode json:", err)
		}
		return
	}
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	text(tw)
	tw.Flush()
}

func writeRow(w io.Writer, cells []string) {
	fmt.Fprintln(w, strings.Join(cells, "\t"))
}
