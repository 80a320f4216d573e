package session

import (
	"sync"

	"github.com/prxssh/slsk/internal/peerconn"
	"github.com/prxssh/slsk/internal/shareindex"
	"github.com/prxssh/slsk/internal/wire"
)

// distributedTree owns the set of "D" children hanging off this node
// (spec §3 Distributed Tree State: "owned solely by the server
// session"). Children are admitted by the peer pool the same way "P"
// connections are, then registered here by the composition root.
type distributedTree struct {
	mut      sync.RWMutex
	children map[*peerconn.Conn]struct{}
}

func newDistributedTree() *distributedTree {
	return &distributedTree{children: make(map[*peerconn.Conn]struct{})}
}

// AddDistributedChild registers c as a fan-out target for future
// SearchRequest forwarding.
func (s *Session) AddDistributedChild(c *peerconn.Conn) {
	s.distTree.mut.Lock()
	s.distTree.children[c] = struct{}{}
	s.distTree.mut.Unlock()
}

// RemoveDistributedChild drops c, e.g. once its connection closes.
func (s *Session) RemoveDistributedChild(c *peerconn.Conn) {
	s.distTree.mut.Lock()
	delete(s.distTree.children, c)
	s.distTree.mut.Unlock()
}

// SetShareIndex wires the excluded ShareIndex collaborator (spec §6) so
// distributed search fan-out can also answer local matches.
func (s *Session) SetShareIndex(idx shareindex.Index) {
	s.shareIndex = idx
}

// ResultSink delivers a FileSearchResult to the peer that originated a
// search, dialing a direct "P" connection if one isn't already open. The
// composition root supplies this (it owns the peer pool; session does
// not import peerpool to avoid a cycle).
type ResultSink func(username string, result *wire.FileSearchResult)

// SetSearchResultSink registers the callback used to deliver local
// matches for a distributed search back to its originator.
func (s *Session) SetSearchResultSink(fn ResultSink) {
	s.resultSink = fn
}

// HandleDistributedSearch fans an inbound SearchRequest out to every
// known "D" child unchanged, and separately matches it against the local
// share index to possibly emit a direct search result to the originator
// (spec §4.3 Distributed tree, §8 scenario 4).
func (s *Session) HandleDistributedSearch(origin *peerconn.Conn, msg *wire.SearchRequest) {
	s.distTree.mut.RLock()
	children := make([]*peerconn.Conn, 0, len(s.distTree.children))
	for c := range s.distTree.children {
		if c == origin {
			continue
		}
		children = append(children, c)
	}
	s.distTree.mut.RUnlock()

	for _, c := range children {
		c.SendDistributed(msg)
	}

	if s.shareIndex == nil || s.resultSink == nil {
		return
	}

	matches := s.shareIndex.Match(msg.Query)
	if len(matches) == 0 {
		return
	}

	s.resultSink(msg.Username, &wire.FileSearchResult{
		Username: s.ownUsername(),
		Token:    msg.Token,
		Files:    matches,
	})
}

func (s *Session) ownUsername() string {
	if s.cfg != nil {
		return s.cfg.Username
	}
	return ""
}
