// Package matrix implements the ChatTransport port by posting notices to a
// Matrix room with mautrix.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/ericfisherdev/reviewready/internal/domain/model"
	"github.com/ericfisherdev/reviewready/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ChatTransport = (*Transport)(nil)

const deviceName = "reviewready"

// Options configures a Transport. Either Password or AccessToken must be set.
type Options struct {
	Homeserver  string
	Username    string // localpart or full user id
	Password    string
	AccessToken string
	Room        string // room id (!abc:server) or alias (#name:server)

	// SendRate caps outbound messages per second. Zero or less means 1.
	SendRate float64

	// LogOutput receives mautrix's own log lines. Nil discards them.
	LogOutput io.Writer

	// HTTPClient overrides the default client. Used by tests.
	HTTPClient *http.Client
}

// Transport sends notices to a single room. Login and room join happen on the
// first Send and are retried on later calls if they fail.
type Transport struct {
	client  *mautrix.Client
	opts    Options
	limiter *rate.Limiter

	mu     sync.Mutex
	roomID id.RoomID // set once joined
}

// New creates a Transport. No network calls are made.
func New(opts Options) (*Transport, error) {
	if opts.Homeserver == "" {
		return nil, errors.New("matrix homeserver is required")
	}
	if opts.Room == "" {
		return nil, errors.New("matrix room is required")
	}
	if opts.AccessToken == "" && (opts.Username == "" || opts.Password == "") {
		return nil, errors.New("matrix access token or username and password are required")
	}

	var userID id.UserID
	if strings.HasPrefix(opts.Username, "@") {
		userID = id.UserID(opts.Username)
	}

	client, err := mautrix.NewClient(opts.Homeserver, userID, opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if opts.HTTPClient != nil {
		client.Client = opts.HTTPClient
	}

	out := opts.LogOutput
	if out == nil {
		out = io.Discard
	}
	client.Log = zerolog.New(out).Level(zerolog.WarnLevel).With().
		Timestamp().
		Str("component", "mautrix").
		Logger()

	perSecond := opts.SendRate
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := max(int(perSecond), 1)

	return &Transport{
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}, nil
}

// Connect logs in if needed and joins the room. Send calls it implicitly; the
// composition root calls it once at startup to surface bad credentials early.
func (t *Transport) Connect(ctx context.Context) error {
	_, err := t.ensureRoom(ctx)
	return err
}

// Send posts msg to the room as an m.notice with an HTML body. The plain body
// is the unescaped text so push notifications read cleanly.
func (t *Transport) Send(ctx context.Context, msg model.Message) error {
	roomID, err := t.ensureRoom(ctx)
	if err != nil {
		return err
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for matrix send slot: %w", err)
	}

	body := msg.Text
	if body == "" {
		body = msg.Markdown
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    body,
	}
	if msg.HTML != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = msg.HTML
	}

	resp, err := t.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("sending matrix notice to %s: %w", roomID, err)
	}

	slog.Debug("matrix notice sent", "room_id", roomID.String(), "event_id", resp.EventID.String())
	return nil
}

// ensureRoom logs in and joins the room on first use.
func (t *Transport) ensureRoom(ctx context.Context) (id.RoomID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.roomID != "" {
		return t.roomID, nil
	}

	if t.client.AccessToken == "" {
		if err := t.login(ctx); err != nil {
			return "", err
		}
	}

	roomID := id.RoomID(t.opts.Room)
	if strings.HasPrefix(t.opts.Room, "#") {
		resolved, err := t.client.ResolveAlias(ctx, id.RoomAlias(t.opts.Room))
		if err != nil {
			return "", fmt.Errorf("resolving matrix room alias %s: %w", t.opts.Room, err)
		}
		roomID = resolved.RoomID
	}

	joined, err := t.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("joining matrix room %s: %w", roomID, err)
	}

	t.roomID = joined.RoomID
	if t.roomID == "" {
		t.roomID = roomID
	}

	slog.Info("matrix room joined", "room_id", t.roomID.String(), "user_id", t.client.UserID.String())
	return t.roomID, nil
}

func (t *Transport) login(ctx context.Context) error {
	user := strings.TrimPrefix(t.opts.Username, "@")
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}

	resp, err := t.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: user,
		},
		Password:                 t.opts.Password,
		InitialDeviceDisplayName: deviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("matrix login as %s: %w", user, err)
	}

	slog.Info("matrix login succeeded", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())
	return nil
}
