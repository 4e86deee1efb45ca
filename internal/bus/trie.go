package bus

import "sync"

// trie indexes subscriptions by pattern so that a publish visits only the
// branches its topic can reach.
type trie struct {
	mu   sync.RWMutex
	root *trieNode
}

type trieNode struct {
	children map[string]*trieNode
	subs     []*subscription
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

func (n *trieNode) isEmpty() bool {
	return len(n.children) == 0 && len(n.subs) == 0
}

func newTrie() *trie { return &trie{root: newTrieNode()} }

func (t *trie) insert(s *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.root
	for _, seg := range segments(s.pattern) {
		child := node.children[seg]
		if child == nil {
			child = newTrieNode()
			node.children[seg] = child
		}
		node = child
	}
	node.subs = append(node.subs, s)
}

type pathEntry struct {
	node *trieNode
	key  string
}

// remove deletes s and prunes nodes left empty. It reports whether s was
// present.
func (t *trie) remove(s *subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := segments(s.pattern)
	path := make([]pathEntry, 0, len(segs)+1)
	path = append(path, pathEntry{node: t.root})
	node := t.root
	for _, seg := range segs {
		child := node.children[seg]
		if child == nil {
			return false
		}
		path = append(path, pathEntry{node: child, key: seg})
		node = child
	}
	found := false
	for i, cur := range node.subs {
		if cur == s {
			node.subs = append(node.subs[:i], node.subs[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for i := len(path) - 1; i > 0; i-- {
		if !path[i].node.isEmpty() {
			break
		}
		delete(path[i-1].node.children, path[i].key)
	}
	return true
}

// match returns every subscription whose pattern matches topic.
func (t *trie) match(topic string) []*subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*subscription
	t.matchNode(t.root, segments(topic), &out)
	return out
}

func (t *trie) matchNode(node *trieNode, segs []string, out *[]*subscription) {
	if multi := node.children[WildcardMulti]; multi != nil {
		*out = append(*out, multi.subs...)
	}
	if len(segs) == 0 {
		*out = append(*out, node.subs...)
		return
	}
	if child := node.children[segs[0]]; child != nil {
		t.matchNode(child, segs[1:], out)
	}
	if child := node.children[WildcardSingle]; child != nil {
		t.matchNode(child, segs[1:], out)
	}
}

func (t *trie) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	var walk func(*trieNode)
	walk = func(node *trieNode) {
		n += len(node.subs)
		for _, c := range node.children {
			walk(c)
		}
	}
	walk(t.root)
	return n
}
