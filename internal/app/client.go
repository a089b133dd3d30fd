package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	intrnl "syncroom/internal"
)

// RunWatch joins the configured room, prints every event to out and sends
// each line read from in as a text. A line "/delete <id>" deletes a text,
// "/room <name>" creates a room and moves there, "/exit" leaves the room.
func RunWatch(ctx context.Context, cfg ClientConfig, in io.Reader, out io.Writer) error {
	identity, err := intrnl.LoadOrCreateIdentity(cfg.IdentityFile, cfg.UserName)
	if err != nil {
		return err
	}
	session := intrnl.NewSession(intrnl.SessionConfig{
		URL:               cfg.ServerURL,
		Identity:          identity,
		RoomID:            cfg.RoomID,
		ReconnectInterval: cfg.ReconnectInterval,
		MaxReconnects:     cfg.MaxReconnects,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	if in != nil {
		go readCommands(ctx, session, in, out)
	}

	var state intrnl.RoomState
	for {
		select {
		case env, ok := <-session.Events():
			if !ok {
				return <-runErr
			}
			if state.Apply(env) || env.Type == intrnl.TypeError {
				printEvent(out, &state, env)
			}
		case st := <-session.StateChanges():
			fmt.Fprintf(out, "* %s\n", st)
		}
	}
}

func readCommands(ctx context.Context, session *intrnl.Session, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runCommand(session, line); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
}

func runCommand(session *intrnl.Session, line string) error {
	switch {
	case strings.HasPrefix(line, "/delete "):
		id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/delete ")), 10, 64)
		if err != nil {
			return errors.New("usage: /delete <id>")
		}
		return session.DeleteText(id)
	case strings.HasPrefix(line, "/room "):
		return session.CreateRoom(strings.TrimSpace(strings.TrimPrefix(line, "/room ")), "")
	case line == "/exit":
		return session.Exit()
	default:
		return session.SendText(line)
	}
}

func printEvent(out io.Writer, state *intrnl.RoomState, env intrnl.Envelope) {
	switch env.Type {
	case intrnl.TypeRoomUpdate:
		name := state.Room.Name
		if name == "" {
			name = "(public)"
		}
		fmt.Fprintln(out, roomHeaderStyle.Render(fmt.Sprintf("== room %d %s: %s", state.Room.ID, name, state.Room.Description)))
	case intrnl.TypeRoomTextsUpdate:
		for _, text := range state.Texts {
			printText(out, text)
		}
	case intrnl.TypeRoomFilesUpdate:
		fmt.Fprintln(out, systemMessageStyle.Render(fmt.Sprintf("== %d files", len(state.Files))))
	case intrnl.TypeUsersUpdate:
		names := make([]string, 0, len(state.Users))
		for _, user := range state.Users {
			names = append(names, renderUser(user.UserName, user.UserUUID))
		}
		fmt.Fprintf(out, "%s %s\n", systemMessageStyle.Render("== online:"), strings.Join(names, ", "))
	case intrnl.TypeRoomTextMessage:
		printText(out, *env.RoomText)
	case intrnl.TypeRoomTextMessageDelete:
		fmt.Fprintln(out, systemMessageStyle.Render(fmt.Sprintf("-- text %d deleted", env.ID)))
	case intrnl.TypeRoomFileUpload:
		fmt.Fprintln(out, systemMessageStyle.Render(fmt.Sprintf("++ file %s (%s)", env.File.Name, intrnl.FormatFileSize(env.File.Size))))
	case intrnl.TypeRoomFileDelete:
		fmt.Fprintln(out, systemMessageStyle.Render("-- file "+env.FileName))
	case intrnl.TypeError:
		fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("! %s: %s", env.Code, env.Message)))
	}
}

func printText(out io.Writer, text intrnl.TextPayload) {
	ts := timestampStyle.Render(fmt.Sprintf("[%d %s]", text.ID, time.UnixMilli(text.Timestamp).Format("15:04:05")))
	fmt.Fprintf(out, "%s %s: %s\n", ts, renderUser(text.UserName, text.UserUUID), text.Content)
}

// RunUpload sends path to the server, resuming a partial upload.
func RunUpload(ctx context.Context, cfg ClientConfig, path, name string, out io.Writer) error {
	api, err := intrnl.NewAPIClient(cfg.ServerURL)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	uploader := intrnl.NewUploader(api, intrnl.UploaderConfig{
		ChunkSize:       cfg.ChunkSize,
		ChunksPerSecond: cfg.ChunksPerSecond,
	})
	size, err := uploader.Upload(ctx, name, f, info.Size(), progressPrinter(out, "upload "+name))
	if err != nil {
		return errors.Wrapf(err, "upload %s stopped at %d bytes", name, size)
	}
	fmt.Fprintf(out, "uploaded %s (%s)\n", name, intrnl.FormatFileSize(size))
	return nil
}

// RunDownload fetches name into dest, resuming a partial local copy.
func RunDownload(ctx context.Context, cfg ClientConfig, name, dest string, out io.Writer) error {
	api, err := intrnl.NewAPIClient(cfg.ServerURL)
	if err != nil {
		return err
	}
	if dest == "" {
		dest = name
	}
	downloader := intrnl.NewDownloader(api)
	size, err := downloader.Download(ctx, name, dest, progressPrinter(out, "download "+name))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "downloaded %s to %s (%s)\n", name, dest, intrnl.FormatFileSize(size))
	return nil
}

// RunListRooms prints the rooms known to the server.
func RunListRooms(ctx context.Context, cfg ClientConfig, out io.Writer) error {
	api, err := intrnl.NewAPIClient(cfg.ServerURL)
	if err != nil {
		return err
	}
	rooms, err := api.ListRooms(ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		name := room.Name
		if name == "" {
			name = "(public)"
		}
		fmt.Fprintf(out, "%d\t%s\t%s\n", room.ID, name, room.Description)
	}
	return nil
}

// RunCreateRoom creates a room over HTTP and prints its id.
func RunCreateRoom(ctx context.Context, cfg ClientConfig, name, description string, out io.Writer) error {
	api, err := intrnl.NewAPIClient(cfg.ServerURL)
	if err != nil {
		return err
	}
	room, err := api.CreateRoom(ctx, name, description)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created room %d %s\n", room.ID, room.Name)
	return nil
}

// RunListFiles prints the server's file inventory.
func RunListFiles(ctx context.Context, cfg ClientConfig, out io.Writer) error {
	api, err := intrnl.NewAPIClient(cfg.ServerURL)
	if err != nil {
		return err
	}
	files, err := api.ListFiles(ctx)
	if err != nil {
		return err
	}
	for _, file := range files {
		created := time.UnixMilli(file.CreateTime).Format(time.RFC3339)
		fmt.Fprintf(out, "%s\t%s\t%s\n", file.Name, intrnl.FormatFileSize(file.Size), created)
	}
	return nil
}

// RunDeleteFile removes name from the server.
func RunDeleteFile(ctx context.Context, cfg ClientConfig, name string) error {
	api, err := intrnl.NewAPIClient(cfg.ServerURL)
	if err != nil {
		return err
	}
	return api.DeleteFile(ctx, name)
}

// progressPrinter reports at most once per ten percent.
func progressPrinter(out io.Writer, label string) intrnl.Progress {
	last := -10
	return func(done, total int64) {
		if total <= 0 {
			return
		}
		pct := int(done * 100 / total)
		if pct/10 == last/10 && pct != 100 {
			return
		}
		last = pct
		jww.DEBUG.Printf("%s: %d/%d", label, done, total)
		fmt.Fprintf(out, "%s: %3d%% (%s/%s)\n", label, pct, intrnl.FormatFileSize(done), intrnl.FormatFileSize(total))
	}
}
