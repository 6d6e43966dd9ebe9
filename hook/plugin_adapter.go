package hook

import (
	"context"
	"net"
	"time"

	"github.com/eliasyaoyc/rsmqtt/conn"
	"github.com/eliasyaoyc/rsmqtt/encoding"
)

// ManagerPlugin adapts a Manager's broader event set onto the narrow
// conn.Plugin surface the connection driver actually calls. Most of a
// Manager's ~30 hook points (packet-level tracing, retained-message
// snapshots, sysinfo ticks, stored-state recovery) have no equivalent on
// conn.Plugin and are driven separately, by whatever owns the Manager
// directly; this adapter only covers the eight calls the driver makes
// per connection.
type ManagerPlugin struct {
	mgr *Manager
}

// NewManagerPlugin wraps mgr so it can be registered as a conn.Plugin.
func NewManagerPlugin(mgr *Manager) *ManagerPlugin {
	return &ManagerPlugin{mgr: mgr}
}

var _ conn.Plugin = (*ManagerPlugin)(nil)

func (a *ManagerPlugin) Auth(ctx context.Context, username string, password []byte) (string, bool, error) {
	client := &Client{Username: username}
	packet := &ConnectPacket{Username: username, Password: password}
	ok := a.mgr.OnConnectAuthenticate(client, packet)
	if !ok {
		return "", false, nil
	}
	return username, true, nil
}

func (a *ManagerPlugin) CheckACL(ctx context.Context, remoteAddr net.Addr, uid string, action conn.AccessAction, topicName string) bool {
	client := &Client{ID: uid, Username: uid, RemoteAddr: remoteAddr}
	return a.mgr.OnACLCheck(client, topicName, accessTypeFor(action))
}

func (a *ManagerPlugin) OnClientConnected(ctx context.Context, remoteAddr net.Addr, clientID, uid string, keepAlive uint16, protocolLevel encoding.ProtocolVersion) {
	client := &Client{
		ID:              clientID,
		RemoteAddr:      remoteAddr,
		Username:        uid,
		ProtocolVersion: byte(protocolLevel),
		KeepAlive:       keepAlive,
		ConnectedAt:     time.Now(),
		State:           ClientStateConnected,
	}
	packet := &ConnectPacket{ClientID: clientID, Username: uid, ProtocolVersion: byte(protocolLevel), KeepAlive: keepAlive}
	_ = a.mgr.OnConnect(client, packet)
}

func (a *ManagerPlugin) OnClientDisconnected(ctx context.Context, clientID, uid string) {
	client := &Client{ID: clientID, Username: uid, DisconnectedAt: time.Now(), State: ClientStateDisconnected}
	a.mgr.OnDisconnect(client, nil, false)
}

func (a *ManagerPlugin) OnMessagePublish(ctx context.Context, clientID, uid, topicName string, qos encoding.QoS, retain bool, payload []byte) {
	client := &Client{ID: clientID, Username: uid}
	packet := &PublishPacket{Topic: topicName, Payload: payload, QoS: byte(qos), Retain: retain, Origin: clientID, Created: time.Now()}
	_ = a.mgr.OnPublish(client, packet)
	a.mgr.OnPublished(client, packet)
}

func (a *ManagerPlugin) OnMessageDelivered(ctx context.Context, clientID, uid, fromClientID, fromUID, topicName string, qos encoding.QoS, retain bool, payload []byte) {
	client := &Client{ID: clientID, Username: uid}
	packet := &PublishPacket{Topic: topicName, Payload: payload, QoS: byte(qos), Retain: retain, Origin: fromClientID, Created: time.Now()}
	a.mgr.OnRetainPublished(client, packet)
}

func (a *ManagerPlugin) OnSessionSubscribed(ctx context.Context, clientID, uid, filter string, qos encoding.QoS) {
	client := &Client{ID: clientID, Username: uid}
	sub := &Subscription{ClientID: clientID, TopicFilter: filter, QoS: byte(qos), SubscribedAt: time.Now()}
	a.mgr.OnSubscribed(client, sub)
}

func (a *ManagerPlugin) OnSessionUnsubscribed(ctx context.Context, clientID, uid, filter string) {
	client := &Client{ID: clientID, Username: uid}
	a.mgr.OnUnsubscribed(client, filter)
}

func accessTypeFor(action conn.AccessAction) AccessType {
	if action == conn.AccessPublish {
		return AccessTypeWrite
	}
	return AccessTypeRead
}
