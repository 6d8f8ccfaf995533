package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/chzyer/readline"
)

var colorEnabled = os.Getenv("NO_COLOR") == ""

const (
	cBold = "\x1b[1m"
	cDim  = "\x1b[2m"
	cCyan = "\x1b[36m"
	cYel  = "\x1b[33m"
	cRed  = "\x1b[31m"
)

func color(s, code string) string {
	if !colorEnabled {
		return s
	}
	return code + s + "\x1b[0m"
}

// printer is what the shell writes to.
type printer interface {
	Println(msg string)
}

// console serializes output around a readline prompt so incoming messages
// do not tear the line being typed.
type console struct {
	rl     *readline.Instance
	mu     sync.Mutex
	closed sync.Once
}

func newConsole(prompt string) (*console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return nil, err
	}
	return &console{rl: rl}, nil
}

func (c *console) Close() {
	c.closed.Do(func() { _ = c.rl.Close() })
}

// Stderr is where log output goes while the prompt is up.
func (c *console) Stderr() io.Writer { return c.rl.Stderr() }

func (c *console) SetPrompt(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rl.SetPrompt(p)
	c.rl.Refresh()
}

func (c *console) Println(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.rl.Stdout().Write([]byte("\r" + msg + "\n"))
	c.rl.Refresh()
}

func (c *console) Logf(format string, a ...any) {
	c.Println(color(time.Now().Format("15:04:05"), cDim) + " " + fmt.Sprintf(format, a...))
}

func (c *console) Readline() (string, error) {
	return c.rl.Readline()
}
