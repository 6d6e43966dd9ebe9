package conn

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/eliasyaoyc/rsmqtt/broker"
	"github.com/eliasyaoyc/rsmqtt/encoding"
	"github.com/eliasyaoyc/rsmqtt/message"
	"github.com/eliasyaoyc/rsmqtt/topic"
)

// Connection drives the packet state machine for one accepted network
// connection, from CONNECT through to close, per spec.md §4.E. It owns
// nothing the rest of the process needs after it exits: all durable state
// (subscriptions, retained messages, queued and in-flight messages) lives in
// the broker.Storage session the connection's client id names.
type Connection struct {
	transport Transport
	opts      Options
	plugins   *plugins

	clientID string
	uid      string
	version  encoding.ProtocolVersion

	keepAlive time.Duration

	sessionExpiryInterval uint32

	maxPacketSizeOut uint32
	maxAliasIn       uint16 // topic-alias-maximum this server accepts from the client
	maxAliasOut      uint16 // topic-alias-maximum the client accepts from this server

	receiveInQuota  uint16 // inbound QoS 1/2 publishes we'll accept before the client must wait
	receiveOutQuota uint16 // outbound QoS 1/2 publishes we may have unacknowledged at the client

	packetIDs *packetIDAllocator
	qos2Out   inflightQoS2

	inAliasTopics map[uint16]string // client-assigned alias -> topic, for inbound PUBLISH
	outAliases    map[string]uint16 // topic -> server-assigned alias, for outbound PUBLISH
	nextOutAlias  uint16

	ctrl chan ControlMessage
}

// Serve reads the CONNECT packet off transport, runs the handshake, and -- if
// it succeeds -- drives the connection until it closes for any reason. It
// always closes transport before returning.
func Serve(ctx context.Context, transport Transport, opts Options) error {
	c := &Connection{
		transport:     transport,
		opts:          opts,
		plugins:       opts.plugins(),
		packetIDs:     newPacketIDAllocator(),
		qos2Out:       make(inflightQoS2),
		inAliasTopics: make(map[uint16]string),
		outAliases:    make(map[string]uint16),
		ctrl:          make(chan ControlMessage, 1),
	}
	defer transport.Close()

	connectPkt, version, err := readConnectPacket(transport, opts.Mqtt.MaxPacketSize)
	if err != nil {
		return err
	}
	c.version = version

	return c.handleConnect(ctx, connectPkt)
}

// rejectConnect sends a non-success CONNACK, if the protocol version allows
// one to be sent at all, and returns an error describing the rejection.
func (c *Connection) rejectConnect(rc encoding.ReasonCode) error {
	_ = c.sendConnack(false, rc, encoding.Properties{})
	return encoding.NewProtocolError(ErrNotAuthorized, "CONNECT rejected: "+rc.String())
}

func (c *Connection) handleConnect(ctx context.Context, pkt *encoding.ConnectPacket) error {
	clientID := pkt.ClientID
	autoAssigned := false
	if clientID == "" {
		if !pkt.CleanStart || !c.opts.Mqtt.AllowZeroLengthClientID {
			return c.rejectConnect(encoding.ReasonClientIdentifierNotValid)
		}
		clientID = "auto-" + uuid.NewString()
		autoAssigned = true
	}
	c.clientID = clientID

	var lastWill *message.LastWill
	if pkt.WillFlag {
		if pkt.WillQoS > encoding.QoS(c.opts.Mqtt.MaximumQoS) {
			return c.rejectConnect(encoding.ReasonQoSNotSupported)
		}
		if pkt.WillRetain && !c.opts.Mqtt.RetainAvailable {
			return c.rejectConnect(encoding.ReasonRetainNotSupported)
		}
		if prop := pkt.WillProperties.GetProperty(encoding.PropPayloadFormatIndicator); prop != nil {
			if b, ok := prop.Value.(byte); ok && b == 1 && !utf8.Valid(pkt.WillPayload) {
				return c.rejectConnect(encoding.ReasonPayloadFormatInvalid)
			}
		}
		lastWill = &message.LastWill{
			Topic:         pkt.WillTopic,
			Payload:       pkt.WillPayload,
			QoS:           pkt.WillQoS,
			Retain:        pkt.WillRetain,
			Properties:    pkt.WillProperties,
			DelayInterval: propUint32(&pkt.WillProperties, encoding.PropWillDelayInterval),
		}
	}

	uid, ok := c.plugins.auth(ctx, pkt.Username, pkt.Password)
	if !ok {
		return c.rejectConnect(encoding.ReasonNotAuthorized)
	}
	c.uid = uid

	sessionExpiry := propUint32(&pkt.Properties, encoding.PropSessionExpiryInterval)
	if c.version != encoding.ProtocolVersion50 {
		// 3.1.1 has no session-expiry-interval: clean_start=false sessions
		// get the server's maximum expiry, clean_start=true sessions never
		// survive.
		if pkt.CleanStart {
			sessionExpiry = 0
		} else {
			sessionExpiry = c.opts.Mqtt.MaxSessionExpiryInterval
		}
	}
	if c.opts.Mqtt.MaxSessionExpiryInterval > 0 && sessionExpiry > c.opts.Mqtt.MaxSessionExpiryInterval {
		sessionExpiry = c.opts.Mqtt.MaxSessionExpiryInterval
	}
	c.sessionExpiryInterval = sessionExpiry

	keepAlive := pkt.KeepAlive
	if c.opts.Mqtt.MaxKeepAlive > 0 && keepAlive > c.opts.Mqtt.MaxKeepAlive {
		keepAlive = c.opts.Mqtt.MaxKeepAlive
	}
	c.keepAlive = time.Duration(keepAlive) * time.Second

	clientReceiveMax := uint16(65535)
	if prop := pkt.Properties.GetProperty(encoding.PropReceiveMaximum); prop != nil {
		if n, ok := prop.Value.(uint16); ok && n > 0 {
			clientReceiveMax = n
		}
	}
	c.receiveOutQuota = clientReceiveMax
	if c.opts.Mqtt.ReceiveMax > 0 && c.receiveOutQuota > c.opts.Mqtt.ReceiveMax {
		c.receiveOutQuota = c.opts.Mqtt.ReceiveMax
	}
	c.receiveInQuota = c.opts.Mqtt.ReceiveMax

	c.maxPacketSizeOut = c.opts.Mqtt.MaxPacketSize
	if prop := pkt.Properties.GetProperty(encoding.PropMaximumPacketSize); prop != nil {
		if n, ok := prop.Value.(uint32); ok && n > 0 && (c.maxPacketSizeOut == 0 || n < c.maxPacketSizeOut) {
			c.maxPacketSizeOut = n
		}
	}

	c.maxAliasIn = c.opts.Mqtt.MaxTopicAlias
	if prop := pkt.Properties.GetProperty(encoding.PropTopicAliasMaximum); prop != nil {
		if n, ok := prop.Value.(uint16); ok {
			c.maxAliasOut = n
		}
	}
	c.nextOutAlias = 1

	sessionPresent, notify := c.opts.Storage.CreateSession(clientID, pkt.CleanStart, lastWill)

	if prev, existed := c.opts.Registry.Register(clientID, c.ctrl); existed {
		select {
		case prev <- ControlMessage{Type: SessionTakenOver}:
		default:
		}
	}

	connackProps := encoding.Properties{}
	if autoAssigned {
		_ = connackProps.AddProperty(encoding.PropAssignedClientIdentifier, clientID)
	}
	if keepAlive != pkt.KeepAlive {
		_ = connackProps.AddProperty(encoding.PropServerKeepAlive, keepAlive)
	}
	if c.opts.Mqtt.MaximumQoS < 2 {
		_ = connackProps.AddProperty(encoding.PropMaximumQoS, c.opts.Mqtt.MaximumQoS)
	}
	if !c.opts.Mqtt.RetainAvailable {
		_ = connackProps.AddProperty(encoding.PropRetainAvailable, byte(0))
	}
	if !c.opts.Mqtt.WildcardSubscriptionAvailable {
		_ = connackProps.AddProperty(encoding.PropWildcardSubscriptionAvailable, byte(0))
	}
	if c.maxPacketSizeOut > 0 {
		_ = connackProps.AddProperty(encoding.PropMaximumPacketSize, c.maxPacketSizeOut)
	}
	if c.opts.Mqtt.MaxTopicAlias > 0 {
		_ = connackProps.AddProperty(encoding.PropTopicAliasMaximum, c.opts.Mqtt.MaxTopicAlias)
	}
	_ = connackProps.AddProperty(encoding.PropReceiveMaximum, c.receiveInQuota)

	if err := c.sendConnack(sessionPresent, encoding.ReasonSuccess, connackProps); err != nil {
		c.teardown(ctx, false)
		return err
	}

	c.plugins.onClientConnected(ctx, c.transport.RemoteAddr(), clientID, uid, keepAlive, c.version)

	if sessionPresent {
		for _, inflight := range c.opts.Storage.GetAllInflightPubPackets(clientID) {
			resend := *inflight
			resend.FixedHeader.DUP = true
			if resend.FixedHeader.QoS == encoding.QoS2 {
				c.qos2Out[resend.PacketID] = qos2Published
			}
			if err := c.sendPublish(&resend); err != nil {
				c.teardown(ctx, false)
				return err
			}
		}
	} else {
		for _, p := range c.opts.Proxy {
			filter, err := topic.Parse(p.Filter)
			if err != nil {
				continue
			}
			c.opts.Storage.Subscribe(clientID, &broker.FilterItem{
				Filter:            filter,
				QoS:               encoding.QoS(p.QoS),
				RetainAsPublished: true,
			})
		}
	}

	err := c.run(ctx, notify)
	takenOver := err == ErrSessionTakenOver
	c.teardown(ctx, takenOver)
	if takenOver {
		return nil
	}
	return err
}

// teardown unregisters the connection and, unless another connection has
// already taken the client id over, tells storage the session has gone
// idle so its will can fire and its expiry timer can start.
func (c *Connection) teardown(ctx context.Context, takenOver bool) {
	if !takenOver {
		c.opts.Registry.Unregister(c.clientID, c.ctrl)
		c.opts.Storage.DisconnectSession(c.clientID, c.sessionExpiryInterval)
	}
	c.plugins.onClientDisconnected(ctx, c.clientID, c.uid)
}

// run is the connection's main event loop: it fans inbound packets (read on
// a dedicated goroutine, since Transport.Read blocks), the session's wake
// notifier, the control channel, and a keep-alive ticker into one select.
func (c *Connection) run(ctx context.Context, notify <-chan struct{}) error {
	type readResult struct {
		in  *inbound
		err error
	}
	reads := make(chan readResult, 1)
	go func() {
		for {
			in, err := readPacket(c.transport, c.version, c.opts.Mqtt.MaxPacketSize)
			reads <- readResult{in, err}
			if err != nil {
				return
			}
		}
	}()

	if err := c.refill(); err != nil {
		return err
	}

	var ticker *time.Ticker
	var tickC <-chan time.Time
	lastActive := time.Now()
	if c.keepAlive > 0 {
		ticker = time.NewTicker(time.Second)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ctrlMsg := <-c.ctrl:
			switch ctrlMsg.Type {
			case SessionTakenOver:
				c.disconnect(encoding.ReasonSessionTakenOver)
				return ErrSessionTakenOver
			case Shutdown:
				c.disconnect(encoding.ReasonServerShuttingDown)
				return nil
			}

		case <-notify:
			if err := c.refill(); err != nil {
				return err
			}

		case <-tickC:
			if time.Since(lastActive) > c.keepAlive+c.keepAlive/2 {
				c.disconnect(encoding.ReasonKeepAliveTimeout)
				return encoding.NewProtocolError(ErrProtocolViolation, "keep-alive timeout")
			}

		case res := <-reads:
			if res.err != nil {
				if isNormalClose(res.err) {
					return nil
				}
				c.disconnect(encoding.GetReasonCode(res.err))
				return res.err
			}
			lastActive = time.Now()
			done, err := c.handlePacket(ctx, res.in)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handlePacket dispatches one decoded inbound packet. done reports that the
// client asked to disconnect cleanly; err carries a protocol violation for
// which the handler has already sent a DISCONNECT, and the caller ends the
// connection by returning it.
func (c *Connection) handlePacket(ctx context.Context, in *inbound) (done bool, err error) {
	switch pkt := in.pkt.(type) {
	case *encoding.ConnectPacket:
		c.disconnect(encoding.ReasonProtocolError)
		return false, encoding.NewProtocolError(ErrProtocolViolation, "duplicate CONNECT")

	case *encoding.PublishPacket:
		return false, c.handlePublish(ctx, pkt)

	case *encoding.PubackPacket:
		return false, c.handlePuback(pkt)

	case *encoding.PubrecPacket:
		return false, c.handlePubrec(pkt)

	case *encoding.PubrelPacket:
		return false, c.handlePubrel(pkt)

	case *encoding.PubcompPacket:
		return false, c.handlePubcomp(pkt)

	case *encoding.SubscribePacket:
		return false, c.handleSubscribe(ctx, pkt)

	case *encoding.UnsubscribePacket:
		return false, c.handleUnsubscribe(ctx, pkt)

	case *encoding.PingreqPacket:
		return false, c.sendPingresp()

	case *encoding.DisconnectPacket:
		if pkt.ReasonCode == encoding.ReasonNormalDisconnection {
			c.opts.Storage.ClearLastWill(c.clientID)
		}
		if c.version == encoding.ProtocolVersion50 {
			if expiry := propUint32(&pkt.Properties, encoding.PropSessionExpiryInterval); expiry != 0 || pkt.Properties.GetProperty(encoding.PropSessionExpiryInterval) != nil {
				c.sessionExpiryInterval = expiry
			}
		}
		return true, nil

	default:
		return false, encoding.NewProtocolError(ErrProtocolViolation, "unexpected packet from client")
	}
}

func (c *Connection) handlePublish(ctx context.Context, pkt *encoding.PublishPacket) error {
	topicName := pkt.TopicName
	if prop := pkt.Properties.GetProperty(encoding.PropTopicAlias); prop != nil {
		alias, _ := prop.Value.(uint16)
		if alias == 0 || c.maxAliasIn == 0 || alias > c.maxAliasIn {
			c.disconnect(encoding.ReasonTopicAliasInvalid)
			return encoding.NewProtocolError(ErrProtocolViolation, "topic alias out of range")
		}
		if topicName != "" {
			c.inAliasTopics[alias] = topicName
		} else {
			mapped, ok := c.inAliasTopics[alias]
			if !ok {
				c.disconnect(encoding.ReasonProtocolError)
				return encoding.NewProtocolError(ErrProtocolViolation, "unknown topic alias")
			}
			topicName = mapped
		}
	}
	if topicName == "" {
		c.disconnect(encoding.ReasonTopicNameInvalid)
		return encoding.NewProtocolError(ErrProtocolViolation, "empty topic with no alias")
	}

	if pkt.Properties.GetProperty(encoding.PropSubscriptionIdentifier) != nil {
		c.disconnect(encoding.ReasonProtocolError)
		return encoding.NewProtocolError(ErrProtocolViolation, "subscription identifier on inbound PUBLISH")
	}

	if len(topicName) > 0 && topicName[0] == '$' {
		c.disconnect(encoding.ReasonTopicNameInvalid)
		return encoding.NewProtocolError(ErrProtocolViolation, "publish to reserved topic")
	}
	if err := encoding.ValidateTopicName(topicName); err != nil {
		c.disconnect(encoding.ReasonTopicNameInvalid)
		return err
	}
	if pkt.FixedHeader.Retain && !c.opts.Mqtt.RetainAvailable {
		c.disconnect(encoding.ReasonRetainNotSupported)
		return encoding.NewProtocolError(ErrProtocolViolation, "retain not supported")
	}
	if prop := pkt.Properties.GetProperty(encoding.PropPayloadFormatIndicator); prop != nil {
		if b, ok := prop.Value.(byte); ok && b == 1 && !utf8.Valid(pkt.Payload) {
			c.disconnect(encoding.ReasonPayloadFormatInvalid)
			return encoding.NewProtocolError(ErrProtocolViolation, "payload not valid UTF-8")
		}
	}

	if !c.plugins.checkACL(ctx, c.transport.RemoteAddr(), c.uid, AccessPublish, topicName) {
		c.disconnect(encoding.ReasonNotAuthorized)
		return encoding.NewProtocolError(ErrNotAuthorized, "publish denied by ACL")
	}

	for _, rw := range c.opts.Rewrites {
		if rw.Pattern.MatchString(topicName) {
			topicName = rw.Pattern.ReplaceAllString(topicName, rw.Replace)
			break
		}
	}

	resolved := *pkt
	resolved.TopicName = topicName
	msg := message.FromPublish(&resolved, c.clientID, c.uid)

	if pkt.FixedHeader.Retain {
		c.opts.Storage.UpdateRetainedMessage(topicName, msg)
	}

	c.plugins.onMessagePublish(ctx, c.clientID, c.uid, topicName, pkt.FixedHeader.QoS, pkt.FixedHeader.Retain, pkt.Payload)

	switch pkt.FixedHeader.QoS {
	case encoding.QoS0:
		c.opts.Storage.Publish(msg)
		return nil

	case encoding.QoS1:
		c.opts.Storage.Publish(msg)
		return c.sendPuback(pkt.PacketID, encoding.ReasonSuccess)

	case encoding.QoS2:
		if c.receiveInQuota == 0 {
			c.disconnect(encoding.ReasonReceiveMaximumExceeded)
			return encoding.NewProtocolError(ErrProtocolViolation, "receive maximum exceeded")
		}
		if !c.opts.Storage.AddUncompletedMessage(c.clientID, pkt.PacketID, msg) {
			if c.version == encoding.ProtocolVersion50 {
				return c.sendPubrec(pkt.PacketID, encoding.ReasonPacketIdentifierInUse)
			}
			c.disconnect(encoding.ReasonProtocolError)
			return encoding.NewProtocolError(ErrProtocolViolation, "duplicate QoS 2 packet id")
		}
		c.receiveInQuota--
		return c.sendPubrec(pkt.PacketID, encoding.ReasonSuccess)
	}
	return nil
}

func (c *Connection) handlePuback(pkt *encoding.PubackPacket) error {
	if _, ok := c.opts.Storage.GetInflightPubPacket(c.clientID, pkt.PacketID, true); !ok {
		c.disconnect(encoding.ReasonProtocolError)
		return encoding.NewProtocolError(ErrProtocolViolation, "PUBACK for unknown packet id")
	}
	c.receiveOutQuota++
	return c.refill()
}

func (c *Connection) handlePubrec(pkt *encoding.PubrecPacket) error {
	state, ok := c.qos2Out[pkt.PacketID]
	if !ok || state != qos2Published {
		c.disconnect(encoding.ReasonProtocolError)
		return encoding.NewProtocolError(ErrProtocolViolation, "PUBREC for unexpected packet id")
	}

	if pkt.ReasonCode >= 0x80 {
		c.opts.Storage.GetInflightPubPacket(c.clientID, pkt.PacketID, true)
		delete(c.qos2Out, pkt.PacketID)
		c.receiveOutQuota++
		return c.refill()
	}

	front, ok := c.opts.Storage.GetInflightPubPacket(c.clientID, pkt.PacketID, false)
	if !ok || front.PacketID != pkt.PacketID {
		if c.version == encoding.ProtocolVersion50 {
			return c.sendPubrel(pkt.PacketID, encoding.ReasonPacketIdentifierNotFound)
		}
		c.disconnect(encoding.ReasonProtocolError)
		return encoding.NewProtocolError(ErrProtocolViolation, "PUBREC out of order")
	}

	c.qos2Out[pkt.PacketID] = qos2Recorded
	return c.sendPubrel(pkt.PacketID, encoding.ReasonSuccess)
}

func (c *Connection) handlePubrel(pkt *encoding.PubrelPacket) error {
	msg, ok := c.opts.Storage.RemoveUncompletedMessage(c.clientID, pkt.PacketID)
	if !ok {
		if c.version == encoding.ProtocolVersion50 {
			return c.sendPubcomp(pkt.PacketID, encoding.ReasonPacketIdentifierNotFound)
		}
		c.disconnect(encoding.ReasonProtocolError)
		return encoding.NewProtocolError(ErrProtocolViolation, "PUBREL for unknown packet id")
	}
	c.opts.Storage.Publish(msg)
	c.receiveInQuota++
	return c.sendPubcomp(pkt.PacketID, encoding.ReasonSuccess)
}

func (c *Connection) handlePubcomp(pkt *encoding.PubcompPacket) error {
	state, ok := c.qos2Out[pkt.PacketID]
	if !ok || state != qos2Recorded {
		c.disconnect(encoding.ReasonProtocolError)
		return encoding.NewProtocolError(ErrProtocolViolation, "PUBCOMP for unexpected packet id")
	}
	delete(c.qos2Out, pkt.PacketID)
	c.opts.Storage.GetInflightPubPacket(c.clientID, pkt.PacketID, true)
	c.receiveOutQuota++
	return c.refill()
}

func (c *Connection) handleSubscribe(ctx context.Context, pkt *encoding.SubscribePacket) error {
	var subID uint32
	if prop := pkt.Properties.GetProperty(encoding.PropSubscriptionIdentifier); prop != nil {
		subID, _ = prop.Value.(uint32)
	}

	codes := make([]encoding.ReasonCode, len(pkt.Subscriptions))
	for i, sub := range pkt.Subscriptions {
		filter, err := topic.Parse(sub.TopicFilter)
		if err != nil {
			codes[i] = encoding.ReasonTopicFilterInvalid
			continue
		}
		if _, shared := filter.ShareName(); shared && sub.NoLocal {
			c.disconnect(encoding.ReasonProtocolError)
			return encoding.NewProtocolError(ErrProtocolViolation, "no-local set on shared subscription")
		}
		if filter.HasWildcards() && !c.opts.Mqtt.WildcardSubscriptionAvailable {
			c.disconnect(encoding.ReasonWildcardSubscriptionsNotSupported)
			return encoding.NewProtocolError(ErrProtocolViolation, "wildcard subscriptions not supported")
		}
		if _, shared := filter.ShareName(); shared && !c.opts.Mqtt.SharedSubscriptionAvailable {
			codes[i] = encoding.ReasonSharedSubscriptionsNotSupported
			continue
		}
		if !c.plugins.checkACL(ctx, c.transport.RemoteAddr(), c.uid, AccessSubscribe, filter.Path()) {
			codes[i] = encoding.ReasonNotAuthorized
			continue
		}

		grantedQoS := sub.QoS
		if max := encoding.QoS(c.opts.Mqtt.MaximumQoS); grantedQoS > max {
			grantedQoS = max
		}

		c.opts.Storage.Subscribe(c.clientID, &broker.FilterItem{
			Filter:            filter,
			QoS:               grantedQoS,
			NoLocal:           sub.NoLocal,
			RetainAsPublished: sub.RetainAsPublished,
			RetainHandling:    broker.RetainHandling(sub.RetainHandling),
			ID:                subID,
		})
		c.plugins.onSessionSubscribed(ctx, c.clientID, c.uid, sub.TopicFilter, grantedQoS)

		switch grantedQoS {
		case encoding.QoS0:
			codes[i] = encoding.ReasonGrantedQoS0
		case encoding.QoS1:
			codes[i] = encoding.ReasonGrantedQoS1
		case encoding.QoS2:
			codes[i] = encoding.ReasonGrantedQoS2
		}
	}

	if err := c.sendSuback(pkt.PacketID, codes); err != nil {
		return err
	}
	return c.refill()
}

func (c *Connection) handleUnsubscribe(ctx context.Context, pkt *encoding.UnsubscribePacket) error {
	codes := make([]encoding.ReasonCode, len(pkt.TopicFilters))
	for i, tf := range pkt.TopicFilters {
		filter, err := topic.Parse(tf)
		if err != nil {
			codes[i] = encoding.ReasonTopicFilterInvalid
			continue
		}
		if c.opts.Storage.Unsubscribe(c.clientID, filter) {
			codes[i] = encoding.ReasonSuccess
			c.plugins.onSessionUnsubscribed(ctx, c.clientID, c.uid, tf)
		} else {
			codes[i] = encoding.ReasonNoSubscriptionExisted
		}
	}
	return c.sendUnsuback(pkt.PacketID, codes)
}

// refill drains the session's queue into outbound PUBLISH packets while
// receive_out_quota allows, per spec.md §4.E's delivery loop. It stops as
// soon as storage reports no more queued messages, since the next call to
// NextMessages is only worth making once the notifier fires again or quota
// is freed by an ack.
func (c *Connection) refill() error {
	for c.receiveOutQuota > 0 {
		msgs := c.opts.Storage.NextMessages(c.clientID, int(c.receiveOutQuota))
		if len(msgs) == 0 {
			return nil
		}

		dispatched := 0
		for _, m := range msgs {
			dispatched++

			consumesQuota := m.QoS() > encoding.QoS0
			var packetID uint16
			if consumesQuota {
				packetID = c.packetIDs.allocate()
			}

			pkt, ok := m.ToPublish(packetID, false)
			if !ok {
				continue // expired since it was queued; drop silently
			}

			if consumesQuota {
				c.opts.Storage.AddInflightPubPacket(c.clientID, pkt)
				if m.QoS() == encoding.QoS2 {
					c.qos2Out[packetID] = qos2Published
				}
			}
			c.applyOutboundAlias(pkt)

			if err := c.sendPublish(pkt); err != nil {
				c.opts.Storage.ConsumeMessages(c.clientID, dispatched)
				return err
			}
			if consumesQuota {
				c.receiveOutQuota--
			}
			c.plugins.onMessageDelivered(context.Background(), c.clientID, c.uid, m.OriginClientID(), m.OriginUID(), m.Topic(), m.QoS(), m.Retain(), m.Payload())
		}
		c.opts.Storage.ConsumeMessages(c.clientID, dispatched)
	}
	return nil
}

// applyOutboundAlias assigns pkt a fresh topic alias the first time its
// topic is sent on this connection, up to the client's advertised
// topic-alias-maximum, and thereafter sends the alias alone.
func (c *Connection) applyOutboundAlias(pkt *encoding.PublishPacket) {
	if c.version != encoding.ProtocolVersion50 || c.maxAliasOut == 0 {
		return
	}
	if alias, ok := c.outAliases[pkt.TopicName]; ok {
		pkt.TopicName = ""
		_ = pkt.Properties.AddProperty(encoding.PropTopicAlias, alias)
		return
	}
	if c.nextOutAlias > c.maxAliasOut {
		return
	}
	alias := c.nextOutAlias
	c.nextOutAlias++
	c.outAliases[pkt.TopicName] = alias
	_ = pkt.Properties.AddProperty(encoding.PropTopicAlias, alias)
}

// propUint32 returns a uint32 property's value, or 0 if absent or of the
// wrong type.
func propUint32(props *encoding.Properties, id encoding.PropertyID) uint32 {
	if prop := props.GetProperty(id); prop != nil {
		if n, ok := prop.Value.(uint32); ok {
			return n
		}
	}
	return 0
}

// isNormalClose reports whether a read error just means the peer closed the
// connection, as opposed to a protocol violation worth a DISCONNECT.
func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
