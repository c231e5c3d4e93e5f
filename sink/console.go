package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/samber/lo"
	"github.com/web3tea/activity-sentinel/activity"
	"github.com/web3tea/activity-sentinel/delivery"
	"github.com/web3tea/activity-sentinel/pkg/jsoncodec"
)

// ConsoleSink prints every payload as a table. It is always open, which makes
// it useful for running the pipeline locally without a consumer.
type ConsoleSink struct {
	out            io.Writer
	listener       delivery.Listener
	colorEnabled   bool
	maxColumnWidth int
	tableStyle     table.Style

	mu   sync.Mutex
	open bool
}

type ConsoleSinkOption func(*ConsoleSink)

func WithColorOutput(enabled bool) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.colorEnabled = enabled
	}
}

func WithMaxColumnWidth(width int) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		if width > 3 {
			s.maxColumnWidth = width
		}
	}
}

func WithOutput(w io.Writer) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.out = w
	}
}

func NewConsoleSink(listener delivery.Listener, options ...ConsoleSinkOption) *ConsoleSink {
	style := table.StyleLight
	style.Title = table.TitleOptions{
		Align:  text.AlignCenter,
		Colors: text.Colors{text.FgHiWhite, text.Bold},
	}
	style.Color.Header = text.Colors{text.FgHiWhite, text.Bold}

	s := &ConsoleSink{
		out:            os.Stdout,
		listener:       listener,
		colorEnabled:   true,
		maxColumnWidth: 80,
		tableStyle:     style,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *ConsoleSink) Start(context.Context) {
	s.mu.Lock()
	wasOpen := s.open
	s.open = true
	s.mu.Unlock()

	if !wasOpen && s.listener != nil {
		s.listener.OnConnect()
	}
}

func (s *ConsoleSink) Send(payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return false
	}
	if p, ok := payload.(*Payload); ok {
		s.writePayloadTable(p)
		return true
	}

	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return false
	}
	fmt.Fprintln(s.out, string(data))
	return true
}

func (s *ConsoleSink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *ConsoleSink) State() delivery.State {
	if s.IsOpen() {
		return delivery.StateOpen
	}
	return delivery.StateClosed
}

func (s *ConsoleSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *ConsoleSink) Type() string {
	return "console"
}

func (s *ConsoleSink) colorize(attrs ...color.Attribute) func(a ...any) string {
	if !s.colorEnabled {
		return fmt.Sprint
	}
	return color.New(attrs...).SprintFunc()
}

func (s *ConsoleSink) writePayloadTable(p *Payload) {
	act := p.Activity
	if act == nil {
		return
	}

	var actionColor func(a ...any) string
	switch act.Action {
	case activity.ActionCreate:
		actionColor = s.colorize(color.FgGreen, color.Bold)
	case activity.ActionUpdate:
		actionColor = s.colorize(color.FgYellow, color.Bold)
	default:
		actionColor = s.colorize(color.FgRed, color.Bold)
	}

	summary := table.NewWriter()
	summary.SetStyle(s.tableStyle)
	summary.Style().Options.DrawBorder = false
	summary.AppendRows([]table.Row{
		{"Activity ID", act.ID},
		{"Type", actionColor(act.Type)},
		{"Table", act.TableName},
		{"Seq", s.formatValue(act.Seq)},
		{"User", s.formatValue(act.UserID)},
	})
	if act.EntityID != nil {
		summary.AppendRow(table.Row{"Entity ID", *act.EntityID})
	}
	contextKeys := lo.Keys(act.ContextIDs)
	slices.Sort(contextKeys)
	for _, key := range contextKeys {
		summary.AppendRow(table.Row{key, act.ContextIDs[key]})
	}
	if act.ChangedKeys != nil {
		summary.AppendRow(table.Row{"Changed", strings.Join(act.ChangedKeys, ", ")})
	}
	if p.CacheToken != nil {
		summary.AppendRow(table.Row{"Cache Token", *p.CacheToken})
	}

	event := table.NewWriter()
	event.SetOutputMirror(s.out)
	event.SetStyle(s.tableStyle)
	event.SetTitle(fmt.Sprintf("%s %s", strings.ToUpper(act.Action.Verb()), act.TableName))
	event.AppendRow(table.Row{summary.Render()})

	if len(p.Entity) > 0 {
		event.AppendRow(table.Row{""})
		event.AppendRow(table.Row{text.Bold.Sprint("Entity")})
		event.AppendRow(table.Row{s.entityTable(p.Entity, act.ChangedKeys).Render()})
	}

	fmt.Fprintln(s.out)
	event.Render()
}

// entityTable lists the row, marking changed columns.
func (s *ConsoleSink) entityTable(row map[string]any, changed []string) table.Writer {
	changedColor := s.colorize(color.FgYellow)
	plain := s.colorize(color.FgBlue)

	t := table.NewWriter()
	t.SetStyle(s.tableStyle)
	t.AppendHeader(table.Row{"Column", "Value"})

	keys := lo.Keys(row)
	slices.Sort(keys)
	for _, k := range keys {
		paint := plain
		if slices.Contains(changed, k) {
			paint = changedColor
		}
		t.AppendRow(table.Row{k, paint(s.formatValue(row[k]))})
	}
	return t
}

func (s *ConsoleSink) formatValue(val any) string {
	if val == nil {
		return "NULL"
	}
	v := reflect.ValueOf(val)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return "NULL"
		}
		val = v.Elem().Interface()
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Struct:
		if data, err := jsoncodec.Marshal(val); err == nil {
			return s.truncateString(string(data))
		}
	}
	return s.truncateString(fmt.Sprintf("%v", val))
}

func (s *ConsoleSink) truncateString(str string) string {
	if len(str) <= s.maxColumnWidth {
		return str
	}
	return str[:s.maxColumnWidth-3] + "..."
}

var _ Sink = (*ConsoleSink)(nil)
