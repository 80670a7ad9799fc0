package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"lyricsync/internal/app"
	"lyricsync/internal/config"
	"lyricsync/internal/ipc"
	"lyricsync/internal/lyriccache"
	"lyricsync/internal/lyrics"
	"lyricsync/internal/sampler"

	"github.com/spf13/cobra"
)

func runCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the lyric daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg())
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <file>",
		Short: "Parse an LRC file and print the timed lines as JSON",
		Long:  "Parse an LRC file and print the timed lines as JSON. Use - to read from standard input.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(lyrics.Parse(string(data)))
		},
	}
}

func fetchCmd(cfg func() *config.Config) *cobra.Command {
	var (
		title    string
		artist   string
		duration time.Duration
		parse    bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch lyrics through the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			cache, st, err := app.NewCache(ctx, cfg())
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := cache.Fetch(ctx, lyriccache.Query{Title: title, Artist: artist, DurationMs: duration.Milliseconds()})
			if err != nil {
				return err
			}
			if !res.Found {
				return errors.New("no lyrics found")
			}
			if parse {
				return printJSON(lyrics.Parse(res.Text))
			}
			fmt.Println(res.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Track title.")
	cmd.Flags().StringVar(&artist, "artist", "", "Track artist.")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Track duration, e.g. 3m35s.")
	cmd.Flags().BoolVar(&parse, "parse", false, "Print the parsed track instead of the raw text.")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func offsetCmd(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offset",
		Short: "Show or change the lyric offset in milliseconds",
		Long: `Show or change the lyric offset in milliseconds.
A positive offset shows lyrics earlier. When the daemon is running the change
applies immediately, otherwise it is saved for the next start.`,
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the saved offset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := sampler.NewOffsetStore(cfg().OffsetFile()).Load()
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <ms>",
		Short: "Set the offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid offset %q: %w", args[0], err)
			}

			if err := setOffset(cfg().App.SocketPath, cfg().OffsetFile(), ms); err != nil {
				return err
			}
			fmt.Println(ms)
			return nil
		},
	}

	cmd.AddCommand(get, set)
	cmd.RunE = get.RunE
	return cmd
}

// errDaemonNotRunning 连不上 socket
var errDaemonNotRunning = errors.New("daemon is not running")

// replyTimeout 连上之后等待回复的时间
var replyTimeout = 5 * time.Second

// setOffset 守护进程在运行时交给它处理，连不上时直接写偏移文件。
// 连上了但没有回复不算没运行，否则守护进程下次保存会覆盖这次的值。
func setOffset(socketPath, offsetFile string, ms int64) error {
	reply, err := sendCommand(socketPath, ipc.Command{Cmd: "offset", SetMs: &ms})
	if errors.Is(err, errDaemonNotRunning) {
		return sampler.NewOffsetStore(offsetFile).Save(ms)
	}
	if err != nil {
		return fmt.Errorf("daemon did not answer: %w", err)
	}
	if !reply.OK {
		return errors.New(reply.Error)
	}
	return nil
}

// sendCommand 发一条命令给正在运行的守护进程并等待回复
func sendCommand(socketPath string, c ipc.Command) (ipc.Reply, error) {
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return ipc.Reply{}, fmt.Errorf("%w: %v", errDaemonNotRunning, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(replyTimeout))

	data, err := json.Marshal(c)
	if err != nil {
		return ipc.Reply{}, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return ipc.Reply{}, err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var reply ipc.Reply
		if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
			continue
		}
		if reply.Type == "reply" {
			return reply, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return ipc.Reply{}, err
	}
	return ipc.Reply{}, errors.New("connection closed before reply")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
