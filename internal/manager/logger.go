/**
 * Copyright 2026 kmeaw
 *
 * Licensed under the GNU Affero General Public License (AGPL).
 *
 * This program is free software: you can redistribute it and/or modify it
 * under the terms of the GNU Affero General Public License as published by the
 * Free Software Foundation, version 3 of the License.
 *
 * This program is distributed in the hope that it will be useful, but WITHOUT
 * ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
 * FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
 * for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package manager

import (
	"fmt"
	"log"
	"sync"

	"github.com/fatih/color"
)

type Severity uint32

const (
	SeverityFatal Severity = iota
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityDebug
)

func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "FATAL"
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	case SeverityNotice:
		return "NOTICE"
	case SeverityDebug:
		return "DEBUG"
	}
	return fmt.Sprintf("SEVERITY(%d)", uint32(s))
}

// LogHandler is one registered sink token; keeping tokens lets the same
// function subscribe more than once and unsubscribe individually.
type LogHandler struct {
	fn func(severity Severity, message string)
}

// Logger fans log records out to its handlers. Writes are serialised.
type Logger struct {
	mu       sync.Mutex
	handlers []*LogHandler
}

func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) AddHandler(fn func(severity Severity, message string)) *LogHandler {
	handler := &LogHandler{fn: fn}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
	return handler
}

func (l *Logger) RemoveHandler(handler *LogHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, h := range l.handlers {
		if h == handler {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no such logging handler exists")
}

func (l *Logger) Write(severity Severity, message string) {
	l.mu.Lock()
	handlers := make([]*LogHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()
	for _, handler := range handlers {
		handler.fn(severity, message)
	}
}

func (l *Logger) Writef(severity Severity, format string, args ...any) {
	l.Write(severity, fmt.Sprintf(format, args...))
}

var severityColors = map[Severity]*color.Color{
	SeverityFatal:   color.New(color.FgRed, color.Bold),
	SeverityError:   color.New(color.FgRed),
	SeverityWarning: color.New(color.FgYellow),
	SeverityNotice:  color.New(color.FgCyan),
	SeverityDebug:   color.New(color.FgWhite, color.Faint),
}

// ConsoleHandler prints records through the stdlib logger with the
// severity tag coloured per level.
func ConsoleHandler(severity Severity, message string) {
	tag := severity.String()
	if c, ok := severityColors[severity]; ok {
		tag = c.Sprint(tag)
	}
	log.Printf("%s %s", tag, message)
}

// vim: ai:ts=8:sw=8:noet:syntax=go
