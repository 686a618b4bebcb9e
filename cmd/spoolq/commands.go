package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/szibis/spoolq/internal/config"
	"github.com/szibis/spoolq/internal/health"
	"github.com/szibis/spoolq/internal/logging"
	"github.com/szibis/spoolq/internal/queue"
	"github.com/szibis/spoolq/internal/relay"
)

var (
	errUsage     = errors.New("usage error")
	errQueueFull = errors.New("queue is full")
)

// mutating commands checkpoint the queue after they run
var commands = map[string]struct {
	fn     func(ctx context.Context, cfg *config.Config, q *queue.Queue, args []string, in io.Reader, out io.Writer) error
	mutate bool
}{
	"push":    {cmdPush, true},
	"pop":     {cmdPop, true},
	"peek":    {cmdPeek, false},
	"drain":   {cmdDrain, true},
	"stat":    {cmdStat, false},
	"verify":  {cmdVerify, false},
	"flush":   {cmdFlush, true},
	"cleanup": {cmdCleanup, true},
	"relay":   {cmdRelay, true},
}

// run opens the configured queue, restores its checkpoint, executes the
// command and checkpoints the result. The queue reports readiness through hc
// while it is open; hc may be nil.
func run(ctx context.Context, cfg *config.Config, hc *health.Checker, in io.Reader, out io.Writer) (err error) {
	cmd, ok := commands[cfg.Command]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, cfg.Command)
	}

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := q.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if hc != nil {
		defer hc.Register(cfg.QueueName, q.Health)()
	}

	cmdErr := cmd.fn(ctx, cfg, q, cfg.CommandArgs, in, out)
	if cmd.mutate && !errors.Is(cmdErr, queue.ErrBroken) && !errors.Is(cmdErr, queue.ErrIO) {
		// records accepted before a failure must survive it
		if _, serr := q.SaveCheckpoint(cfg.CheckpointDir); serr != nil {
			return errors.Join(cmdErr, fmt.Errorf("checkpoint failed: %w", serr))
		}
	}
	return cmdErr
}

func openQueue(cfg *config.Config) (*queue.Queue, error) {
	m, err := cfg.OpenMedium()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage, err)
	}
	q, err := queue.New(cfg.QueueConfig(logging.Default()), m)
	if err != nil {
		_ = m.Detach()
		return nil, err
	}
	restored, err := q.LoadCheckpoint(cfg.CheckpointDir)
	if err != nil {
		_ = q.Close()
		return nil, err
	}
	if !restored {
		logging.Debug("no checkpoint found, starting empty", logging.F(
			"queue", cfg.QueueName,
			"path", queue.CheckpointPath(cfg.CheckpointDir, cfg.QueueName),
		))
	}
	return q, nil
}

func cmdPush(_ context.Context, _ *config.Config, q *queue.Queue, args []string, in io.Reader, _ io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: push needs at least one record or -", errUsage)
	}
	push := func(record []byte) error {
		ok, err := q.Push(record)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d-byte record needs %d bytes, %d free", errQueueFull, len(record), q.PushSize(record), q.FreeSpace())
		}
		return nil
	}

	if len(args) == 1 && args[0] == "-" {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if len(scanner.Bytes()) == 0 {
				continue
			}
			if err := push(scanner.Bytes()); err != nil {
				return err
			}
		}
		return scanner.Err()
	}

	for _, arg := range args {
		if err := push([]byte(arg)); err != nil {
			return err
		}
	}
	return nil
}

func cmdPop(_ context.Context, _ *config.Config, q *queue.Queue, args []string, _ io.Reader, out io.Writer) error {
	n := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("%w: pop count must be a positive integer, got %q", errUsage, args[0])
		}
		n = v
	}
	for i := 0; i < n; i++ {
		data, err := q.Pop()
		if err != nil {
			return err
		}
		if data == nil {
			return nil
		}
		if _, err := out.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func cmdPeek(_ context.Context, _ *config.Config, q *queue.Queue, _ []string, _ io.Reader, out io.Writer) error {
	data, err := q.Peek()
	if err != nil || data == nil {
		return err
	}
	_, err = out.Write(append(data, '\n'))
	return err
}

func cmdDrain(ctx context.Context, cfg *config.Config, q *queue.Queue, _ []string, in io.Reader, out io.Writer) error {
	for !q.IsEmpty() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cmdPop(ctx, cfg, q, nil, in, out); err != nil {
			return err
		}
	}
	return nil
}

// statOutput is the YAML document printed by the stat command.
type statOutput struct {
	Name      string `yaml:"name"`
	Dimension string `yaml:"dimension"`
	Items     int64  `yaml:"items"`
	WriteTo   int64  `yaml:"write_to"`
	ReadFrom  int64  `yaml:"read_from"`
	UsedSpace int64  `yaml:"used_space"`
	FreeSpace int64  `yaml:"free_space"`
	Dirty     bool   `yaml:"dirty"`
	Full      bool   `yaml:"full"`
	Storage   string `yaml:"storage"`
}

func cmdStat(_ context.Context, cfg *config.Config, q *queue.Queue, _ []string, _ io.Reader, out io.Writer) error {
	st := q.Stats()
	enc := yaml.NewEncoder(out)
	defer enc.Close()
	return enc.Encode(statOutput{
		Name:      st.Name,
		Dimension: config.FormatByteSize(st.Dimension),
		Items:     st.Items,
		WriteTo:   st.WriteTo,
		ReadFrom:  st.ReadFrom,
		UsedSpace: st.UsedSpace,
		FreeSpace: st.FreeSpace,
		Dirty:     st.Dirty,
		Full:      st.Full,
		Storage:   cfg.Storage,
	})
}

func cmdVerify(_ context.Context, _ *config.Config, q *queue.Queue, _ []string, _ io.Reader, out io.Writer) error {
	if err := q.Verify(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "ok: %d records verified\n", q.Len())
	return err
}

func cmdFlush(_ context.Context, _ *config.Config, q *queue.Queue, _ []string, _ io.Reader, _ io.Writer) error {
	return q.Flush()
}

func cmdCleanup(_ context.Context, _ *config.Config, q *queue.Queue, _ []string, _ io.Reader, out io.Writer) error {
	done, err := q.Cleanup()
	if err != nil {
		return err
	}
	if done {
		_, err = fmt.Fprintln(out, "compacted")
	} else {
		_, err = fmt.Fprintln(out, "clean")
	}
	return err
}

func cmdRelay(ctx context.Context, cfg *config.Config, q *queue.Queue, _ []string, in io.Reader, out io.Writer) error {
	_, err := relay.Run(ctx, q, in, out, relay.Options{
		PollInterval:  cfg.PollInterval,
		MaxRecordSize: int(cfg.MaxRecordSize),
		Name:          cfg.QueueName,
	})
	return err
}
