package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-export/model"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	StartTLS           bool
	InsecureSkipVerify bool
	// FetchRate caps message fetches per second across the pool. Zero
	// means unlimited.
	FetchRate float64
}

func (o Options) Validate() error {
	if o.Host == "" {
		return fmt.Errorf("imap host is empty")
	}
	if o.Port <= 0 {
		return fmt.Errorf("imap port must be positive")
	}
	if o.Username == "" {
		return fmt.Errorf("imap username is empty")
	}
	if o.FetchRate < 0 {
		return fmt.Errorf("fetch rate must not be negative")
	}
	return nil
}

func (o Options) address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Client is one authenticated IMAP session.
type Client struct {
	opts     Options
	client   *imapclient.Client
	logger   *slog.Logger
	selected string
}

// Dial connects and logs in. ctx bounds the handshake only.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, model.NewError(model.ErrorKindProtocol, "dial", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	address := opts.address()
	options := &imapclient.Options{}
	if opts.UseTLS || opts.StartTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	switch {
	case opts.UseTLS:
		client, err = imapclient.DialTLS(address, options)
	case opts.StartTLS:
		client, err = imapclient.DialStartTLS(address, options)
	default:
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, model.NewError(model.ErrorKindConnection, "dial", fmt.Errorf("dial imap %s: %w", address, err))
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stopClose()

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		if ctx.Err() != nil {
			return nil, model.NewError(model.KindOf(ctx.Err()), "login", ctx.Err())
		}
		return nil, classify("login", fmt.Errorf("imap login failed: %w", err))
	}

	logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", opts.UseTLS, "starttls", opts.StartTLS)
	return &Client{opts: opts, client: client, logger: logger}, nil
}

// Folders lists every mailbox on the server.
func (c *Client) Folders() ([]model.Folder, error) {
	list, err := c.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, classify("list", fmt.Errorf("list mailboxes: %w", err))
	}
	folders := make([]model.Folder, 0, len(list))
	for _, data := range list {
		f := model.Folder{Name: data.Mailbox, Delimiter: data.Delim}
		for _, attr := range data.Attrs {
			f.Attrs = append(f.Attrs, string(attr))
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// Delimiter returns the hierarchy delimiter of folder, or 0 if the server
// reports none.
func (c *Client) Delimiter(folder string) (rune, error) {
	list, err := c.client.List("", folder, nil).Collect()
	if err != nil {
		return 0, classify("list", fmt.Errorf("list mailbox %s: %w", folder, err))
	}
	if len(list) == 0 {
		return 0, model.NewError(model.ErrorKindProtocol, "list", fmt.Errorf("mailbox %s does not exist", folder))
	}
	return list[0].Delim, nil
}

// Select opens folder read-only unless it is already selected.
func (c *Client) Select(folder string) error {
	if c.selected == folder {
		return nil
	}
	if _, err := c.client.Select(folder, &imapv2.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return classify("select", fmt.Errorf("select %s: %w", folder, err))
	}
	c.selected = folder
	return nil
}

// UIDs returns every UID in folder in ascending order.
func (c *Client) UIDs(folder string) ([]model.UID, error) {
	return c.Search(folder, &imapv2.SearchCriteria{})
}

// Search runs a UID SEARCH in folder.
func (c *Client) Search(folder string, criteria *imapv2.SearchCriteria) ([]model.UID, error) {
	if err := c.Select(folder); err != nil {
		return nil, err
	}
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, classify("search", fmt.Errorf("search %s: %w", folder, err))
	}
	all := data.AllUIDs()
	uids := make([]model.UID, 0, len(all))
	for _, uid := range all {
		uids = append(uids, model.UID(uid))
	}
	return uids, nil
}

// Summaries fetches headers and sizes for uids without touching bodies or
// the \Seen flag.
func (c *Client) Summaries(folder string, uids []model.UID) ([]model.Summary, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := c.Select(folder); err != nil {
		return nil, err
	}

	set := make([]imapv2.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imapv2.UID(uid))
	}
	section := &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierHeader, Peek: true}
	cmd := c.client.Fetch(imapv2.UIDSetNum(set...), &imapv2.FetchOptions{
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})
	defer cmd.Close()

	summaries := make([]model.Summary, 0, len(uids))
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		raw := buf.FindBodySection(section)
		h, err := ParseHeader(raw)
		if err != nil {
			c.logger.Debug("unparseable header", "folder", folder, "uid", buf.UID, "err", err)
		}
		summaries = append(summaries, model.Summary{
			UID:     model.UID(buf.UID),
			Folder:  folder,
			Subject: h.Subject,
			From:    h.From,
			Date:    h.Date,
			Size:    buf.RFC822Size,
			Header:  raw,
		})
	}
	if err := cmd.Close(); err != nil {
		return summaries, classify("fetch", fmt.Errorf("fetch headers: %w", err))
	}
	return summaries, nil
}

// FetchMessage downloads the full message uid from folder.
func (c *Client) FetchMessage(folder string, uid model.UID) (*model.FetchedMessage, error) {
	if err := c.Select(folder); err != nil {
		return nil, err
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	cmd := c.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), &imapv2.FetchOptions{
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			return nil, classify("fetch", fmt.Errorf("fetch uid %s: %w", uid, err))
		}
		return nil, model.NewError(model.ErrorKindNotFound, "fetch", fmt.Errorf("uid %s not in %s", uid, folder))
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, classify("fetch", fmt.Errorf("collect uid %s: %w", uid, err))
	}
	if err := cmd.Close(); err != nil {
		return nil, classify("fetch", fmt.Errorf("fetch uid %s: %w", uid, err))
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, model.NewError(model.ErrorKindNotFound, "fetch", fmt.Errorf("uid %s returned no body", uid))
	}
	h, err := ParseHeader(raw)
	if err != nil {
		c.logger.Debug("unparseable header", "folder", folder, "uid", uid, "err", err)
	}
	size := buf.RFC822Size
	if size == 0 {
		size = int64(len(raw))
	}
	return &model.FetchedMessage{UID: uid, Folder: folder, Header: h, Size: size, Raw: raw}, nil
}

// Close logs out and closes the connection.
func (c *Client) Close() error {
	if err := c.client.Logout().Wait(); err != nil {
		c.logger.Debug("imap logout failed", "err", err)
	}
	return c.client.Close()
}

// abort closes the connection without logging out, unblocking any pending
// command.
func (c *Client) abort() {
	_ = c.client.Close()
}

// classify maps a command error to an ErrorKind. Tagged NO/BAD responses to
// per-message commands mean the message is gone; a failed login or a
// missing folder ends the job; anything else is treated as a transport fault.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var respErr *imapv2.Error
	if !errors.As(err, &respErr) {
		return model.NewError(model.ErrorKindConnection, op, err)
	}
	switch {
	case op == "login":
		return model.NewError(model.ErrorKindProtocol, op, err)
	case respErr.Code == imapv2.ResponseCodeAuthenticationFailed,
		respErr.Code == imapv2.ResponseCodeAuthorizationFailed:
		return model.NewError(model.ErrorKindProtocol, op, err)
	case op == "select" || op == "list" || op == "search":
		return model.NewError(model.ErrorKindProtocol, op, err)
	case respErr.Code == imapv2.ResponseCodeUnavailable:
		return model.NewError(model.ErrorKindConnection, op, err)
	case respErr.Type == imapv2.StatusResponseTypeNo, respErr.Type == imapv2.StatusResponseTypeBad:
		return model.NewError(model.ErrorKindNotFound, op, err)
	}
	return model.NewError(model.ErrorKindConnection, op, err)
}
