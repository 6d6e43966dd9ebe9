package conn

import (
	"context"
	"net"

	"github.com/panjf2000/ants/v2"

	"github.com/eliasyaoyc/rsmqtt/encoding"
)

// Plugin is the narrow interface the connection driver consults for
// authentication, access control, and lifecycle notification. It is a
// façade: hook.Manager adapts its richer event set onto this surface.
type Plugin interface {
	Auth(ctx context.Context, username string, password []byte) (uid string, ok bool, err error)
	CheckACL(ctx context.Context, remoteAddr net.Addr, uid string, action AccessAction, topicName string) bool
	OnClientConnected(ctx context.Context, remoteAddr net.Addr, clientID, uid string, keepAlive uint16, protocolLevel encoding.ProtocolVersion)
	OnClientDisconnected(ctx context.Context, clientID, uid string)
	OnMessagePublish(ctx context.Context, clientID, uid, topicName string, qos encoding.QoS, retain bool, payload []byte)
	OnMessageDelivered(ctx context.Context, clientID, uid, fromClientID, fromUID, topicName string, qos encoding.QoS, retain bool, payload []byte)
	OnSessionSubscribed(ctx context.Context, clientID, uid, filter string, qos encoding.QoS)
	OnSessionUnsubscribed(ctx context.Context, clientID, uid, filter string)
}

// AccessAction is the operation CheckACL is being asked to authorize.
type AccessAction byte

const (
	AccessPublish AccessAction = iota
	AccessSubscribe
)

// plugins fans auth/ACL/lifecycle calls out across the registered plugin
// list: auth and ACL are synchronous and short-circuit (first Auth success
// wins; any ACL rejection wins), lifecycle notifications are dispatched
// onto pool so a slow plugin callback never blocks the owning connection's
// packet loop. With no plugins registered, auth accepts every client with
// an empty uid and checkACL allows everything.
type plugins struct {
	list []Plugin
	pool *ants.Pool
}

func newPlugins(list []Plugin, pool *ants.Pool) *plugins {
	return &plugins{list: list, pool: pool}
}

func (p *plugins) auth(ctx context.Context, username string, password []byte) (string, bool) {
	if len(p.list) == 0 {
		return "", true
	}
	for _, pl := range p.list {
		if uid, ok, err := pl.Auth(ctx, username, password); err == nil && ok {
			return uid, true
		}
	}
	return "", false
}

func (p *plugins) checkACL(ctx context.Context, remoteAddr net.Addr, uid string, action AccessAction, topicName string) bool {
	for _, pl := range p.list {
		if !pl.CheckACL(ctx, remoteAddr, uid, action, topicName) {
			return false
		}
	}
	return true
}

func (p *plugins) dispatch(fn func(Plugin)) {
	for _, pl := range p.list {
		pl := pl
		if p.pool == nil {
			fn(pl)
			continue
		}
		_ = p.pool.Submit(func() { fn(pl) })
	}
}

func (p *plugins) onClientConnected(ctx context.Context, remoteAddr net.Addr, clientID, uid string, keepAlive uint16, level encoding.ProtocolVersion) {
	p.dispatch(func(pl Plugin) { pl.OnClientConnected(ctx, remoteAddr, clientID, uid, keepAlive, level) })
}

func (p *plugins) onClientDisconnected(ctx context.Context, clientID, uid string) {
	p.dispatch(func(pl Plugin) { pl.OnClientDisconnected(ctx, clientID, uid) })
}

func (p *plugins) onMessagePublish(ctx context.Context, clientID, uid, topicName string, qos encoding.QoS, retain bool, payload []byte) {
	p.dispatch(func(pl Plugin) { pl.OnMessagePublish(ctx, clientID, uid, topicName, qos, retain, payload) })
}

func (p *plugins) onMessageDelivered(ctx context.Context, clientID, uid, fromClientID, fromUID, topicName string, qos encoding.QoS, retain bool, payload []byte) {
	p.dispatch(func(pl Plugin) {
		pl.OnMessageDelivered(ctx, clientID, uid, fromClientID, fromUID, topicName, qos, retain, payload)
	})
}

func (p *plugins) onSessionSubscribed(ctx context.Context, clientID, uid, filter string, qos encoding.QoS) {
	p.dispatch(func(pl Plugin) { pl.OnSessionSubscribed(ctx, clientID, uid, filter, qos) })
}

func (p *plugins) onSessionUnsubscribed(ctx context.Context, clientID, uid, filter string) {
	p.dispatch(func(pl Plugin) { pl.OnSessionUnsubscribed(ctx, clientID, uid, filter) })
}
