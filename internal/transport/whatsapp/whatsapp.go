// Package whatsapp implements the transport Client on top of whatsmeow.
// Protocol keys live in whatsmeow's own sqlite store; this adapter maps
// whatsmeow events onto the transport event stream and mirrors the public
// credential material into snapshots for the credential store.
package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/talvik/pairline/internal/credstore"
	"github.com/talvik/pairline/internal/transport"
)

// pairClientName is the device name shown in the linked-devices list.
const pairClientName = "Chrome (Linux)"

// Client implements transport.Client for WhatsApp.
type Client struct {
	container  *sqlstore.Container
	deviceName string

	mu        sync.Mutex
	client    *whatsmeow.Client
	connected bool
	closed    bool
	events    chan transport.Event
}

// Opts holds parameters for creating a Client.
type Opts struct {
	StoreDSN   string // sqlite DSN for the whatsmeow key store
	DeviceName string
}

// New creates a Client backed by a sqlite whatsmeow store.
func New(ctx context.Context, opts Opts) (*Client, error) {
	if opts.StoreDSN == "" {
		return nil, fmt.Errorf("whatsapp: store DSN is required")
	}
	container, err := sqlstore.New(ctx, "sqlite3", opts.StoreDSN, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open key store: %w", err)
	}
	return &Client{
		container:  container,
		deviceName: opts.DeviceName,
		events:     make(chan transport.Event, 100),
	}, nil
}

// Connect builds the whatsmeow client from the stored device and opens the
// socket. Reconnect policy is owned by the supervisor, so whatsmeow's own
// auto-reconnect is disabled.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("whatsapp: client closed")
	}
	c.emitLocked(transport.StateChange{State: transport.StateConnecting})

	if c.client == nil {
		device, err := c.container.GetFirstDevice(ctx)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("whatsapp: load device: %w", err)
		}
		cli := whatsmeow.NewClient(device, waLog.Noop)
		cli.EnableAutoReconnect = false
		cli.AddEventHandler(c.handleEvent)
		c.client = cli
	}
	cli := c.client
	firstPairing := cli.Store.ID == nil
	c.mu.Unlock()

	if firstPairing {
		// No stored login: surface QR tokens while the socket connects.
		qrChan, err := cli.GetQRChannel(ctx)
		if err == nil {
			go c.pumpQR(qrChan)
		}
	}

	if err := cli.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Listen returns the event stream. Must be called after Connect.
func (c *Client) Listen(ctx context.Context) (<-chan transport.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("whatsapp: not connected")
	}
	return c.events, nil
}

// Send delivers a plain text message to the given identity.
func (c *Client) Send(ctx context.Context, to, text string) error {
	c.mu.Lock()
	cli := c.client
	connected := c.connected
	c.mu.Unlock()
	if !connected || cli == nil {
		return transport.ErrNotConnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	_, err = cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("whatsapp: send to %s: %w", to, err)
	}
	return nil
}

// PairPhone requests a transport-issued linking code for the phone number.
func (c *Client) PairPhone(ctx context.Context, phoneNumber string) (string, error) {
	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()
	if cli == nil {
		return "", transport.ErrNotConnected
	}
	code, err := cli.PairPhone(ctx, phoneNumber, true, whatsmeow.PairClientChrome, pairClientName)
	if err != nil {
		return "", fmt.Errorf("whatsapp: pair phone %s: %w", phoneNumber, err)
	}
	return code, nil
}

// Logout revokes the stored credential on the WhatsApp side. The resulting
// logged-out event reaches the supervisor through the event stream.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()
	if cli == nil {
		return transport.ErrNotConnected
	}
	if err := cli.Logout(ctx); err != nil {
		return fmt.Errorf("whatsapp: logout: %w", err)
	}
	return nil
}

// Close disconnects and closes the event stream.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	if c.client != nil {
		c.client.Disconnect()
	}
	close(c.events)
	return nil
}

// handleEvent maps whatsmeow events onto the transport event stream.
func (c *Client) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		c.emit(transport.StateChange{State: transport.StateOpen})
		if snap := c.snapshot(); snap != nil {
			c.emit(transport.CredentialUpdate{Credential: snap})
		}
	case *events.PairSuccess:
		if snap := c.snapshot(); snap != nil {
			c.emit(transport.CredentialUpdate{Credential: snap})
		}
	case *events.LoggedOut:
		c.emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonLoggedOut})
	case *events.StreamError:
		c.emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonStreamError})
	case *events.Disconnected:
		c.emit(transport.StateChange{State: transport.StateClosed, Reason: transport.ReasonNetwork})
	case *events.Message:
		c.emit(transport.Message{
			Sender:       e.Info.Sender.String(),
			DisplayName:  e.Info.PushName,
			FromSelf:     e.Info.IsFromMe,
			Body:         e.Message.GetConversation(),
			ExtendedBody: e.Message.GetExtendedTextMessage().GetText(),
			Caption:      firstCaption(e.Message),
		})
	}
}

// pumpQR forwards QR codes from the pairing channel as pairing material.
func (c *Client) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		if item.Event == "code" {
			c.emit(transport.PairingMaterial{QRToken: item.Code})
		}
	}
}

// snapshot mirrors the device's public credential material into an opaque
// credential for the store. The revision is assigned by the supervisor.
func (c *Client) snapshot() *credstore.Credential {
	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()
	if cli == nil || cli.Store.ID == nil {
		return nil
	}
	device := cli.Store

	root, err := json.Marshal(map[string]interface{}{
		"me": map[string]string{
			"id":       device.ID.String(),
			"platform": device.Platform,
		},
		"push_name":       device.PushName,
		"registration_id": device.RegistrationID,
	})
	if err != nil {
		return nil
	}

	keys := make(map[string][]byte)
	if device.NoiseKey != nil {
		keys["noise-key"] = keyRecord(device.NoiseKey.Pub[:], 0)
	}
	if device.IdentityKey != nil {
		keys["identity-key"] = keyRecord(device.IdentityKey.Pub[:], 0)
	}
	if device.SignedPreKey != nil {
		keys["signed-pre-key"] = keyRecord(device.SignedPreKey.Pub[:], device.SignedPreKey.KeyID)
	}
	if len(device.AdvSecretKey) > 0 {
		keys["adv-secret"] = keyRecord(device.AdvSecretKey, 0)
	}

	return &credstore.Credential{Root: root, Keys: keys}
}

// keyRecord encodes one key sub-record as JSON.
func keyRecord(pub []byte, keyID uint32) []byte {
	rec := map[string]interface{}{"pub": base64.StdEncoding.EncodeToString(pub)}
	if keyID != 0 {
		rec["key_id"] = keyID
	}
	data, _ := json.Marshal(rec)
	return data
}

// emit pushes an event unless the client is closed.
func (c *Client) emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(ev)
}

func (c *Client) emitLocked(ev transport.Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Event buffer full; drop rather than block the whatsmeow handler.
	}
}

// firstCaption returns the first populated media caption.
func firstCaption(msg *waE2E.Message) string {
	if caption := msg.GetImageMessage().GetCaption(); caption != "" {
		return caption
	}
	if caption := msg.GetVideoMessage().GetCaption(); caption != "" {
		return caption
	}
	return msg.GetDocumentMessage().GetCaption()
}

// parseJID normalizes an identity string into a JID. Bare phone numbers get
// the default user server.
func parseJID(to string) (types.JID, error) {
	if !strings.ContainsRune(to, '@') {
		return types.NewJID(to, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid JID %q: %w", to, err)
	}
	return jid, nil
}
