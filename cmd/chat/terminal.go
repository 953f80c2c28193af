package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/npezzotti/taskchat/internal/client"
	"github.com/npezzotti/taskchat/internal/types"
)

var errQuit = errors.New("quit")

const helpText = `commands:
  /rooms                     list your rooms
  /create <name>             create a room and open it
  /join <room-id>            join and open a room
  /leave                     leave the open room
  /invite <user-id>...       invite users to the open room
  /members                   list members of the open room
  /kick <user-id>            remove a member (room author only)
  /history [page]            show messages, page 1 is the newest
  /edit <message-id> <text>  edit one of your messages
  /delete <message-id>       delete one of your messages
  /who                       show who is typing
  /quit
anything else is sent to the open room`

type terminal struct {
	out     io.Writer
	outMu   sync.Mutex
	gateway *client.Gateway
	router  *client.Router
	user    types.User

	mu   sync.Mutex
	view *client.RoomView
	name string
}

func newTerminal(out io.Writer, gateway *client.Gateway, router *client.Router, user types.User) *terminal {
	return &terminal{out: out, gateway: gateway, router: router, user: user}
}

func (t *terminal) printf(format string, args ...any) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			err := t.handle(ctx, line)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				t.printf("error: %v", err)
			}
		}
	}
}

func (t *terminal) current() (*client.RoomView, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view, t.name
}

func (t *terminal) requireView() (*client.RoomView, error) {
	v, _ := t.current()
	if v == nil {
		return nil, errors.New("no room open, use /join")
	}
	return v, nil
}

func (t *terminal) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		v, err := t.requireView()
		if err != nil {
			return err
		}
		_, err = v.Send(ctx, line)
		return err
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		t.printf("%s", helpText)
	case "/quit":
		return errQuit
	case "/rooms":
		return t.listRooms(ctx)
	case "/create":
		if len(args) == 0 {
			return errors.New("usage: /create <name>")
		}
		room, err := t.gateway.CreateRoom(ctx, strings.Join(args, " "), nil)
		if err != nil {
			return err
		}
		t.printf("created %s (%s)", room.Name, room.Id)
		return t.open(ctx, room.Id)
	case "/join":
		id, err := parseId(args, "usage: /join <room-id>")
		if err != nil {
			return err
		}
		if _, err := t.gateway.JoinRoom(ctx, id); err != nil {
			return err
		}
		return t.open(ctx, id)
	case "/leave":
		v, err := t.requireView()
		if err != nil {
			return err
		}
		t.closeView()
		return t.gateway.LeaveRoom(ctx, v.RoomId())
	case "/invite":
		v, err := t.requireView()
		if err != nil {
			return err
		}
		var ids []uuid.UUID
		for _, a := range args {
			id, err := uuid.Parse(a)
			if err != nil {
				return fmt.Errorf("invalid user id %q", a)
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return errors.New("usage: /invite <user-id>...")
		}
		_, err = t.gateway.InviteUsers(ctx, v.RoomId(), ids)
		return err
	case "/members":
		v, err := t.requireView()
		if err != nil {
			return err
		}
		members, err := v.Members(ctx, 1)
		if err != nil {
			return err
		}
		for _, m := range members.Members {
			t.printf("  %s  %s", m.UserId, m.Username)
		}
		t.printf("%d members", members.Total)
	case "/kick":
		v, err := t.requireView()
		if err != nil {
			return err
		}
		id, err := parseId(args, "usage: /kick <user-id>")
		if err != nil {
			return err
		}
		return t.gateway.RemoveMember(ctx, v.RoomId(), id)
	case "/history":
		page := 1
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return errors.New("usage: /history [page]")
			}
			page = n
		}
		return t.history(ctx, page)
	case "/edit":
		v, err := t.requireView()
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return errors.New("usage: /edit <message-id> <text>")
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid message id %q", args[0])
		}
		_, err = t.gateway.UpdateMessage(ctx, v.RoomId(), id, strings.Join(args[1:], " "))
		return err
	case "/delete":
		v, err := t.requireView()
		if err != nil {
			return err
		}
		id, err := parseId(args, "usage: /delete <message-id>")
		if err != nil {
			return err
		}
		return t.gateway.DeleteMessage(ctx, v.RoomId(), id)
	case "/who":
		v, err := t.requireView()
		if err != nil {
			return err
		}
		typers := v.Typers()
		if len(typers) == 0 {
			t.printf("nobody is typing")
		}
		for _, ty := range typers {
			t.printf("  %s is typing", ty.Username)
		}
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

func parseId(args []string, usage string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, errors.New(usage)
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

func (t *terminal) listRooms(ctx context.Context) error {
	page, err := t.router.Rooms(ctx, client.ListRoomsOptions{})
	if err != nil {
		return err
	}
	for _, r := range page.Rooms {
		t.printf("  %s  %s", r.Id, r.Name)
	}
	t.printf("%d rooms", page.Total)
	return nil
}

func (t *terminal) open(ctx context.Context, roomId uuid.UUID) error {
	t.closeView()

	room, err := t.router.Room(ctx, roomId)
	if err != nil {
		return err
	}

	v, err := t.router.OpenRoom(ctx, roomId, client.RoomViewOptions{
		OnEvent:   t.onRoomEvent,
		OnRemoved: t.onRemoved,
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.view = v
	t.name = room.Name
	t.mu.Unlock()

	t.printf("-- %s --", room.Name)
	return t.history(ctx, 1)
}

func (t *terminal) closeView() {
	t.mu.Lock()
	v := t.view
	t.view = nil
	t.name = ""
	t.mu.Unlock()

	if v != nil {
		v.Close()
	}
}

func (t *terminal) history(ctx context.Context, page int) error {
	v, err := t.requireView()
	if err != nil {
		return err
	}
	msgs, err := v.Messages(ctx, page)
	if err != nil {
		return err
	}
	for _, m := range msgs.Messages {
		t.printMessage(m)
	}
	if msgs.TotalPages > page {
		t.printf("-- page %d of %d, /history %d for older --", page, msgs.TotalPages, page+1)
	}
	return nil
}

func (t *terminal) author(id uuid.UUID) string {
	if id == t.user.Id {
		return "you"
	}
	return id.String()[:8]
}

func (t *terminal) printMessage(m types.Message) {
	t.printf("[%s] %s: %s  (%s)", m.CreatedAt.Local().Format("15:04"), t.author(m.AuthorId), m.Content, m.Id)
}

// onRoomEvent runs on the connection's read goroutine.
func (t *terminal) onRoomEvent(event string, data json.RawMessage) {
	switch event {
	case types.EventNewMessage:
		var p types.NewMessagePayload
		if json.Unmarshal(data, &p) == nil {
			t.printMessage(p.Message)
		}
	case types.EventMessageUpdated:
		var p types.MessageUpdatedPayload
		if json.Unmarshal(data, &p) == nil {
			t.printf("* message %s edited: %s", p.MessageId, p.Content)
		}
	case types.EventMessageDeleted:
		var p types.MessageDeletedPayload
		if json.Unmarshal(data, &p) == nil {
			t.printf("* message %s deleted", p.MessageId)
		}
	case types.EventUserJoined, types.EventUserLeft:
		var p types.UserPresencePayload
		if json.Unmarshal(data, &p) == nil && p.UserId != t.user.Id {
			verb := "joined"
			if event == types.EventUserLeft {
				verb = "left"
			}
			t.printf("* %s %s", p.Username, verb)
		}
	case types.EventMemberRemoved:
		var p types.MemberRemovedPayload
		if json.Unmarshal(data, &p) == nil && p.RemovedUserId != t.user.Id {
			t.printf("* %s was removed", p.RemovedUsername)
		}
	case types.EventRoomUpdated:
		var p types.RoomUpdatedPayload
		if json.Unmarshal(data, &p) == nil {
			t.mu.Lock()
			t.name = p.RoomName
			t.mu.Unlock()
			t.printf("* room renamed to %s", p.RoomName)
		}
	}
}

func (t *terminal) onRemoved(reason string) {
	_, name := t.current()
	if reason == client.ReasonDeleted {
		t.printf("* room %s was deleted", name)
	} else {
		t.printf("* you were removed from %s", name)
	}
	t.closeView()
}

func (t *terminal) onRoomListUpdated(data json.RawMessage) {
	var p types.RoomListUpdatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.Action == types.RoomListInvite {
		t.printf("* you were invited to %s (%s)", p.Room.Name, p.Room.Id)
	}
}

func (t *terminal) onStateChange(connected bool) {
	if connected {
		t.printf("* connected")
	} else {
		t.printf("* connection lost, reconnecting")
	}
}
