package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Child describes one supervised process. Config must be plain data; it is
// serialized to JSON and handed to the child on its command line.
type Child struct {
	Name      string
	Entry     string
	Config    map[string]any
	ReadyPort int
	DependsOn []string
}

// Supervisor starts children in dependency order, waits for port readiness
// between starts, prefixes their output, and tears them down on shutdown.
// Exits are recorded but children are not restarted.
type Supervisor struct {
	children []Child
	out      io.Writer
	grace    time.Duration

	// spawn builds the child command. The default re-executes this binary's
	// hidden serve command; tests substitute scripts.
	spawn func(Child) (*exec.Cmd, error)

	readyTimeout time.Duration
	pollEvery    time.Duration

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// New builds a supervisor for the given children.
func New(children []Child) *Supervisor {
	s := &Supervisor{
		children:     children,
		out:          os.Stdout,
		grace:        5 * time.Second,
		readyTimeout: 15 * time.Second,
		pollEvery:    100 * time.Millisecond,
		running:      map[string]*exec.Cmd{},
	}
	s.spawn = s.reexec
	return s
}

// SetOutput redirects the supervisor's own log lines and child prefixes.
func (s *Supervisor) SetOutput(w io.Writer) { s.out = w }

// SetGrace sets the SIGTERM grace period before a child is killed.
func (s *Supervisor) SetGrace(d time.Duration) { s.grace = d }

// reexec builds the default spawn: this binary's hidden serve command with
// the entry name and the JSON config record.
func (s *Supervisor) reexec(child Child) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own binary: %w", err)
	}
	cfg, err := json.Marshal(child.Config)
	if err != nil {
		return nil, fmt.Errorf("child %s: config is not plain data: %w", child.Name, err)
	}
	return exec.Command(self, "serve", child.Entry, "--config-json", string(cfg)), nil
}

// Run starts every child in dependency order and blocks until ctx is
// cancelled or all children have exited. On cancellation children receive
// SIGTERM, then SIGKILL after the grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	order, err := startOrder(s.children)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, child := range order {
		if err := ctx.Err(); err != nil {
			break
		}
		cmd, err := s.start(child, &wg)
		if err != nil {
			s.shutdown()
			wg.Wait()
			return err
		}
		s.mu.Lock()
		s.running[child.Name] = cmd
		s.mu.Unlock()

		if child.ReadyPort > 0 {
			if err := s.waitForPort(ctx, child); err != nil {
				s.shutdown()
				wg.Wait()
				return err
			}
		}
		fmt.Fprintf(s.out, "[supervisor] started %s (pid %d)\n", child.Name, cmd.Process.Pid)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		s.shutdown()
		<-done
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Supervisor) start(child Child, wg *sync.WaitGroup) (*exec.Cmd, error) {
	cmd, err := s.spawn(child)
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("child %s: %w", child.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("child %s: %w", child.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", child.Name, err)
	}

	// Unbuffered line-by-line prefixing of both streams.
	var pipes sync.WaitGroup
	for _, stream := range []io.Reader{stdout, stderr} {
		pipes.Add(1)
		go func(r io.Reader) {
			defer pipes.Done()
			s.prefixLines(child.Name, r)
		}(stream)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pipes.Wait()
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		fmt.Fprintf(s.out, "[%s] exited (code: %d)\n", child.Name, code)
		s.mu.Lock()
		delete(s.running, child.Name)
		s.mu.Unlock()
	}()
	return cmd, nil
}

func (s *Supervisor) prefixLines(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintf(s.out, "[%s] %s\n", name, scanner.Text())
	}
}

// waitForPort polls the child's ready port until it accepts a connection.
func (s *Supervisor) waitForPort(ctx context.Context, child Child) error {
	addr := fmt.Sprintf("127.0.0.1:%d", child.ReadyPort)
	deadline := time.Now().Add(s.readyTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", addr, s.pollEvery)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(s.pollEvery)
	}
	return fmt.Errorf("child %s never bound port %d within %s", child.Name, child.ReadyPort, s.readyTimeout)
}

// shutdown terminates every running child: SIGTERM, grace period, then kill.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(s.running))
	for _, cmd := range s.running {
		cmds = append(cmds, cmd)
	}
	s.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	deadline := time.Now().Add(s.grace)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		left := len(s.running)
		s.mu.Unlock()
		if left == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// startOrder sorts children so every dependency starts before its dependent.
func startOrder(children []Child) ([]Child, error) {
	byName := make(map[string]Child, len(children))
	for _, c := range children {
		if _, dup := byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate child name %q", c.Name)
		}
		byName[c.Name] = c
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var order []Child
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle through %q", name)
		}
		child, ok := byName[name]
		if !ok {
			return fmt.Errorf("unknown dependency %q", name)
		}
		state[name] = visiting
		for _, dep := range child.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, child)
		return nil
	}
	for _, c := range children {
		if err := visit(c.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
