package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/pkg/addrcode"
	"peerlink/pkg/utils"
	"peerlink/pkg/validation"
)

const (
	historyDefault = 20
	previewLength  = 60
)

var errUsage = errors.New("usage")

const helpText = `commands:
  /request <user@addr>    ask a peer to connect (addr may be an IP or a XXX-XXXX code)
  /cancel <user@addr>     withdraw a request
  /accept <user@addr>     accept an incoming request
  /reject <user@addr>     reject an incoming request
  /reconnect <user@addr>  reconnect to a peer you have chatted with
  /open <user@addr>       make a channel the target of plain lines
  /disconnect [peer]      close a peer connection (default: open channel)
  /history [n]            show the last n messages of the open channel
  /channels               list chat channels
  /clear                  clear the open channel's history
  /forget <user@addr>     delete a channel and its undelivered messages
  /name <username>        change your username
  /code <ip|code>         convert between an IPv4 address and its code
  /status                 show connections and pending requests
  /quit                   leave
anything else is sent to the open channel`

// linkState reports whether the rendezvous session is up.
type linkState interface {
	Connected() bool
}

// shell turns console lines into PeerService calls. Every touch of the
// service goes through call, which runs on the event loop.
type shell struct {
	ctx     context.Context
	svc     *services.PeerService
	call    func(fn func()) error
	link    linkState
	health  *monitoring.HealthChecker
	out     printer
	started time.Time

	requestTimeout time.Duration

	// owned by the event loop
	open domain.DeviceIdentifier

	onRename func(username string)
}

// resolvePeer parses user@addr where addr is an IP address or an address
// code. A bare address or a '*' username matches any user at that address.
func resolvePeer(arg string) (domain.DeviceIdentifier, error) {
	if arg == "" {
		return domain.DeviceIdentifier{}, fmt.Errorf("%w: a peer is required", errUsage)
	}
	id := domain.ParseDeviceIdentifier(arg)
	if net.ParseIP(id.Address) == nil {
		ip, err := addrcode.Decode(id.Address)
		if err != nil {
			return domain.DeviceIdentifier{}, fmt.Errorf("%q is neither an IP address nor an address code", id.Address)
		}
		id.Address = ip
	}
	if err := validation.ValidateAddress(id.Address); err != nil {
		return domain.DeviceIdentifier{}, err
	}
	if !id.IsWildcard() {
		if err := validation.ValidateUsername(id.Username); err != nil {
			return domain.DeviceIdentifier{}, err
		}
	}
	return id, nil
}

// convertCode encodes an IPv4 address or decodes a code.
func convertCode(arg string) (string, error) {
	if net.ParseIP(arg) != nil {
		return addrcode.Encode(arg)
	}
	return addrcode.Decode(arg)
}

// exec runs one console line. It reports whether the user asked to quit.
func (sh *shell) exec(line string) bool {
	line = utils.SanitizeString(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		sh.report(sh.say(line))
		return false
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}

	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		sh.out.Println(helpText)
	case "/request":
		err = sh.withPeer(arg, func(p domain.DeviceIdentifier) error {
			if err := sh.svc.Request(p); err != nil {
				return err
			}
			sh.out.Println("requested " + p.String())
			return nil
		})
	case "/cancel":
		err = sh.withPeer(arg, sh.svc.Cancel)
	case "/accept":
		err = sh.withPeer(arg, sh.svc.Accept)
	case "/reject":
		err = sh.withPeer(arg, sh.svc.Reject)
	case "/reconnect":
		err = sh.withPeer(arg, func(p domain.DeviceIdentifier) error {
			if !sh.svc.Chat.HasChannel(p.String()) {
				return fmt.Errorf("no chat history with %s", p)
			}
			ctx, cancel := context.WithTimeout(sh.ctx, sh.requestTimeout)
			time.AfterFunc(sh.requestTimeout, cancel)
			sh.svc.Reconnect(ctx, p)
			sh.out.Println("asking the server to reconnect " + p.String())
			return nil
		})
	case "/open":
		err = sh.withPeer(arg, sh.openChannel)
	case "/disconnect":
		err = sh.disconnect(arg)
	case "/history":
		err = sh.history(arg)
	case "/channels":
		err = sh.call(sh.channels)
	case "/clear":
		err = sh.onOpen(func(p domain.DeviceIdentifier) error {
			return sh.svc.Chat.ClearHistory(sh.ctx, p.String())
		})
	case "/forget":
		err = sh.withPeer(arg, func(p domain.DeviceIdentifier) error {
			if sh.open.Equal(p) {
				sh.open = domain.DeviceIdentifier{}
			}
			return sh.svc.Chat.DeleteChannel(sh.ctx, p.String())
		})
	case "/name":
		if arg == "" {
			err = fmt.Errorf("%w: /name <username>", errUsage)
			break
		}
		err = sh.onLoop(func() error { return sh.svc.Rename(arg) })
	case "/code":
		if arg == "" {
			err = fmt.Errorf("%w: /code <ip|code>", errUsage)
			break
		}
		var out string
		if out, err = convertCode(arg); err == nil {
			sh.out.Println(arg + " = " + out)
		}
	case "/status":
		err = sh.status()
	default:
		err = fmt.Errorf("unknown command %s, try /help", cmd)
	}
	sh.report(err)
	return false
}

func (sh *shell) report(err error) {
	if err != nil {
		sh.out.Println(color("error: "+err.Error(), cRed))
	}
}

// onLoop runs fn on the event loop and returns its error.
func (sh *shell) onLoop(fn func() error) error {
	var err error
	if callErr := sh.call(func() { err = fn() }); callErr != nil {
		return callErr
	}
	return err
}

func (sh *shell) withPeer(arg string, fn func(domain.DeviceIdentifier) error) error {
	peer, err := resolvePeer(arg)
	if err != nil {
		return err
	}
	return sh.onLoop(func() error { return fn(peer) })
}

// onOpen runs fn on the loop against the open channel.
func (sh *shell) onOpen(fn func(domain.DeviceIdentifier) error) error {
	return sh.onLoop(func() error {
		if sh.open.IsZero() {
			return errors.New("no open channel, use /open <user@addr>")
		}
		return fn(sh.open)
	})
}

func (sh *shell) say(text string) error {
	return sh.onOpen(func(p domain.DeviceIdentifier) error {
		msg, err := sh.svc.SendMessage(p, text)
		if err != nil {
			return err
		}
		sh.out.Println(formatMessage(msg))
		return nil
	})
}

func (sh *shell) openChannel(p domain.DeviceIdentifier) error {
	if !sh.svc.Chat.HasChannel(p.String()) {
		return fmt.Errorf("no channel with %s; it is created once the peer connects", p)
	}
	sh.open = p
	sh.out.Println(color("talking to "+p.String(), cBold))
	sh.printHistory(p, historyDefault)
	return sh.svc.Chat.MarkAccessed(sh.ctx, p.String())
}

func (sh *shell) disconnect(arg string) error {
	if arg == "" {
		return sh.onOpen(func(p domain.DeviceIdentifier) error {
			sh.svc.Disconnect(p)
			return nil
		})
	}
	return sh.withPeer(arg, func(p domain.DeviceIdentifier) error {
		sh.svc.Disconnect(p)
		return nil
	})
}

func (sh *shell) history(arg string) error {
	n := historyDefault
	if arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil || v <= 0 {
			return fmt.Errorf("%w: /history [n]", errUsage)
		}
		n = v
	}
	return sh.onOpen(func(p domain.DeviceIdentifier) error {
		sh.printHistory(p, n)
		return nil
	})
}

func (sh *shell) printHistory(p domain.DeviceIdentifier, n int) {
	msgs := sh.svc.Chat.Messages(p.String())
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	for _, m := range msgs {
		sh.out.Println(formatMessage(m))
	}
}

func (sh *shell) channels() {
	chans := sh.svc.Chat.Channels()
	if len(chans) == 0 {
		sh.out.Println("no channels yet")
		return
	}
	sort.Slice(chans, func(i, j int) bool { return chans[i].LastMessageTime > chans[j].LastMessageTime })
	for _, ch := range chans {
		peer := domain.ParseDeviceIdentifier(ch.ID)
		line := fmt.Sprintf("%-32s %-10s last message %s",
			ch.ID, sh.svc.Negotiator.Status(peer), utils.FormatMillis(ch.LastMessageTime))
		if msgs := sh.svc.Chat.Messages(ch.ID); len(msgs) > 0 {
			line += "  " + color(utils.TruncateString(msgs[len(msgs)-1].Content, previewLength), cDim)
		}
		sh.out.Println(line)
	}
}

func (sh *shell) status() error {
	server := "disconnected"
	if sh.link.Connected() {
		server = "connected"
	}
	lines := []string{fmt.Sprintf("server %s, up %s", server, utils.FormatDuration(time.Since(sh.started)))}

	err := sh.call(func() {
		lines = append(lines, "username "+sh.svc.Username())
		for _, p := range sh.svc.Negotiator.Peers() {
			lines = append(lines, fmt.Sprintf("peer %s: %s", p, sh.svc.Negotiator.Status(p)))
		}
		for _, pc := range sh.svc.Requests.Pending() {
			dir := "from"
			if pc.IsOutbound {
				dir = "to"
			}
			lines = append(lines, fmt.Sprintf("pending request %s %s", dir, pc.DeviceID))
		}
		lines = append(lines, fmt.Sprintf("%d message(s) awaiting acknowledgement", sh.svc.Queue.Depth()))
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(sh.ctx, 2*time.Second)
	defer cancel()
	health := sh.health.CheckAll(ctx)
	names := make([]string, 0, len(health.Checks))
	for name := range health.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("check %s: %s", name, health.Checks[name]))
	}

	for _, l := range lines {
		sh.out.Println(l)
	}
	return nil
}

// onNotice runs on the event loop.
func (sh *shell) onNotice(n services.Notice) {
	switch n.Kind {
	case services.NoticeStatus:
		// the first peer to connect becomes the open channel
		if n.Status == domain.SocketConnected && sh.open.IsZero() && sh.svc.Chat.HasChannel(n.Peer.String()) {
			sh.open = n.Peer
		}
	case services.NoticeUsernameChanged:
		if sh.onRename != nil {
			sh.onRename(n.Text)
		}
	case services.NoticeMessage:
		if !sh.open.Equal(n.Peer) {
			sh.out.Println(color(fmt.Sprintf("[%s] %s", n.Peer, formatMessage(n.Message)), cDim))
			return
		}
		_ = sh.svc.Chat.MarkAccessed(sh.ctx, n.Peer.String())
	}
	if text := formatNotice(n); text != "" {
		sh.out.Println(text)
	}
}

func formatMessage(m domain.ChatMessage) string {
	line := fmt.Sprintf("%s %s: %s", color(utils.FormatMillis(m.TimeSent), cDim), color(m.User, cCyan), m.Content)
	switch m.Status {
	case domain.MessagePending:
		line += color(" (sending)", cDim)
	case domain.MessageNotSent:
		line += color(" (not sent)", cRed)
	}
	return line
}

func formatNotice(n services.Notice) string {
	switch n.Kind {
	case services.NoticeRequest:
		return color(fmt.Sprintf("%s wants to connect: /accept %s or /reject %s", n.Peer, n.Peer, n.Peer), cYel)
	case services.NoticeRequestCancelled:
		return fmt.Sprintf("%s withdrew their request", n.Peer)
	case services.NoticePeerBusy:
		return fmt.Sprintf("%s is busy connecting to someone else, try again shortly", n.Peer)
	case services.NoticeUsernameChanged:
		return "you are now " + color(n.Text, cBold)
	case services.NoticeUsernameReserved:
		return color(fmt.Sprintf("username %q is taken", n.Text), cRed)
	case services.NoticeStatus:
		return fmt.Sprintf("%s is %s", n.Peer, n.Status)
	case services.NoticeMessage:
		return formatMessage(n.Message)
	case services.NoticeMessageStatus:
		if n.Message.Status == domain.MessageNotSent {
			return color(fmt.Sprintf("message to %s was not sent: %s", n.Peer, utils.TruncateString(n.Message.Content, previewLength)), cRed)
		}
		return ""
	case services.NoticeReconnect:
		switch domain.ReconnectOutcome(n.Text) {
		case domain.ReconnectApproved:
			return fmt.Sprintf("reconnecting to %s", n.Peer)
		case domain.ReconnectPending:
			return fmt.Sprintf("%s is offline; the request stays pending", n.Peer)
		default:
			return fmt.Sprintf("%s declined to reconnect", n.Peer)
		}
	case services.NoticeError:
		if n.Peer.IsZero() {
			return color("error: "+n.Text, cRed)
		}
		return color(fmt.Sprintf("error with %s: %s", n.Peer, n.Text), cRed)
	}
	return ""
}
