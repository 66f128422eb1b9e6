// Package logger пишет логи с префиксом сервиса через асинхронную очередь,
// чтобы вызовы из горячих путей (обработчики событий фида, пампы websocket) не блокировались на I/O.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	asyncBufferSize = 8192
	slowCallCutoff  = 100 * time.Millisecond
)

type level int32

const (
	levelDebug level = iota
	levelInfo
	levelError
)

var (
	prefix   atomic.Value
	logLevel atomic.Int32
	ch       chan string
	once     sync.Once
	pending  sync.WaitGroup
)

func init() {
	prefix.Store("")
	logLevel.Store(int32(parseLevel(os.Getenv("LOG_LEVEL"))))
}

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return levelDebug
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func initWorker() {
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
			pending.Done()
		}
	}()
}

func enqueue(lv level, msg string) {
	if lv < level(logLevel.Load()) {
		return
	}
	once.Do(initWorker)
	pending.Add(1)
	select {
	case ch <- msg:
	default:
		// очередь переполнена: сообщение теряется, вызывающий не ждёт
		pending.Done()
	}
}

// SetPrefix задаёт префикс сервиса ("syncd", "pushd").
func SetPrefix(p string) {
	prefix.Store(p)
}

// SetLevel переопределяет LOG_LEVEL (значение из конфига).
func SetLevel(s string) {
	logLevel.Store(int32(parseLevel(s)))
}

// Flush ждёт, пока очередь будет записана. Вызывается при остановке процесса.
func Flush() {
	pending.Wait()
}

func tag() string {
	p, _ := prefix.Load().(string)
	if p == "" {
		return ""
	}
	return "[" + p + "] "
}

func Debugf(format string, v ...any) {
	enqueue(levelDebug, tag()+"DEBUG: "+fmt.Sprintf(format, v...))
}

func Info(v ...any) {
	enqueue(levelInfo, tag()+fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	enqueue(levelInfo, tag()+fmt.Sprintf(format, v...))
}

func Error(v ...any) {
	enqueue(levelError, tag()+"ERROR: "+fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	enqueue(levelError, tag()+"ERROR: "+fmt.Sprintf(format, v...))
}

// LogDuration пишет имя операции и длительность. На уровне info пишутся только медленные вызовы (>=100ms).
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if level(logLevel.Load()) == levelDebug || elapsed >= slowCallCutoff {
		enqueue(levelError, fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration: defer logger.DeferLogDuration("backend.Select", time.Now())()
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
