// Package net gossips per-block state digests between nodes over libp2p so
// that a node whose mechanism step diverged is noticed.
package net

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/luukkk/subtensor/core"
)

const (
	mdnsServiceTag  = "yuma-mdns"
	trackedBlocks   = 1024
	peerLogInterval = 30 * time.Second
)

// P2PNode is a libp2p host that announces our digest after each committed
// block and checks the digests peers announce.
type P2PNode struct {
	Host    host.Host
	PubSub  *pubsub.PubSub
	Topic   *pubsub.Topic
	Sub     *pubsub.Subscription
	Tracker *DigestTracker

	onMismatch MismatchFunc
	mdns       mdns.Service
	log        *zap.Logger
}

// MismatchFunc is called once per peer digest that disagrees with ours.
type MismatchFunc func(block uint64, from peer.ID)

// NewP2PNode starts the host, joins the digest topic, enables mDNS discovery
// and starts announcing the reports published by chain. onMismatch may be nil.
func NewP2PNode(ctx context.Context, listenPort int, chain *core.Chain, onMismatch MismatchFunc, log *zap.Logger) (*P2PNode, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort),
	))
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	topic, err := ps.Join(TopicStepDigest)
	if err != nil {
		h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, err
	}
	tracker, err := NewDigestTracker(trackedBlocks)
	if err != nil {
		h.Close()
		return nil, err
	}

	n := &P2PNode{
		Host:       h,
		PubSub:     ps,
		Topic:      topic,
		Sub:        sub,
		Tracker:    tracker,
		onMismatch: onMismatch,
		log:        log.Named("p2p"),
	}

	n.mdns = mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{h: h, log: n.log})
	if err := n.mdns.Start(); err != nil {
		n.log.Warn("mDNS discovery disabled", zap.Error(err))
		n.mdns = nil
	} else {
		n.log.Info("mDNS peer discovery enabled")
	}
	n.log.Info("listening", zap.Stringer("id", h.ID()), zap.Any("addrs", h.Addrs()))

	go n.announce(ctx, chain.Subscribe())
	go n.handleDigests(ctx)
	go n.logPeers(ctx)
	return n, nil
}

// Connect dials a peer given a full multiaddr ending in /p2p/<id>.
func (n *P2PNode) Connect(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("peer info from %q: %w", addr, err)
	}
	if err := n.Host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect %s: %w", info.ID, err)
	}
	n.log.Info("connected", zap.Stringer("peer", info.ID))
	return nil
}

// Publish records our digest for the block and gossips it.
func (n *P2PNode) Publish(ctx context.Context, r *core.BlockReport) error {
	for _, id := range n.Tracker.RecordLocal(r.Block, r.Digest) {
		n.mismatch(r.Block, id)
	}
	data, err := encodeDigest(DigestMsg{Block: r.Block, Digest: r.Digest, Neurons: r.Neurons})
	if err != nil {
		return err
	}
	return n.Topic.Publish(ctx, data)
}

func (n *P2PNode) announce(ctx context.Context, reports <-chan *core.BlockReport) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-reports:
			if err := n.Publish(ctx, r); err != nil && ctx.Err() == nil {
				n.log.Warn("publish digest", zap.Uint64("block", r.Block), zap.Error(err))
			}
		}
	}
}

func (n *P2PNode) handleDigests(ctx context.Context) {
	for {
		msg, err := n.Sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.log.Warn("digest subscription closed", zap.Error(err))
			}
			return
		}
		if msg.ReceivedFrom == n.Host.ID() {
			continue
		}
		m, err := decodeDigest(msg.Data)
		if err != nil {
			n.log.Debug("bad digest message", zap.Stringer("from", msg.ReceivedFrom), zap.Error(err))
			continue
		}
		match, known := n.Tracker.RecordRemote(msg.ReceivedFrom, m.Block, m.Digest)
		switch {
		case !known:
			n.log.Debug("digest ahead of us", zap.Uint64("block", m.Block), zap.Stringer("from", msg.ReceivedFrom))
		case match:
			n.log.Debug("digest agrees", zap.Uint64("block", m.Block), zap.Stringer("from", msg.ReceivedFrom))
		default:
			n.mismatch(m.Block, msg.ReceivedFrom)
		}
	}
}

func (n *P2PNode) mismatch(block uint64, from peer.ID) {
	n.log.Warn("state digest mismatch", zap.Uint64("block", block), zap.Stringer("peer", from))
	if n.onMismatch != nil {
		n.onMismatch(block, from)
	}
}

func (n *P2PNode) logPeers(ctx context.Context) {
	ticker := time.NewTicker(peerLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.log.Info("connected peers", zap.Int("count", len(n.Host.Network().Peers())))
		}
	}
}

func (n *P2PNode) Close() error {
	n.Sub.Cancel()
	if n.mdns != nil {
		n.mdns.Close()
	}
	return n.Host.Close()
}

type mdnsNotifee struct {
	h   host.Host
	log *zap.Logger
}

func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == m.h.ID() {
		return
	}
	m.log.Info("mDNS discovered peer", zap.Stringer("peer", info.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.h.Connect(ctx, info); err != nil {
		m.log.Debug("mDNS connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
	}
}
