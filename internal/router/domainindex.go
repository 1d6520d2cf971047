package router

import "strings"

// domainIndex compiles one rule's exact/suffix/keyword domain predicates
// into the "two-level index" spec §4.4 describes: an exact map, a suffix
// trie (labels stored most-significant-first, i.e. reversed), and a flat
// keyword list.
type domainIndex struct {
	exact    map[string]bool
	suffix   *suffixTrieNode
	keywords []string
}

type suffixTrieNode struct {
	children map[string]*suffixTrieNode
	terminal bool
}

func newDomainIndex(exact, suffixes, keywords []string) *domainIndex {
	idx := &domainIndex{
		exact:    make(map[string]bool, len(exact)),
		suffix:   &suffixTrieNode{children: make(map[string]*suffixTrieNode)},
		keywords: keywords,
	}
	for _, d := range exact {
		idx.exact[strings.ToLower(d)] = true
	}
	for _, s := range suffixes {
		idx.insertSuffix(strings.ToLower(s))
	}
	return idx
}

// insertSuffix walks the domain's labels from the rightmost (TLD) inward,
// so "example.com" and "api.example.com" share the "com" -> "example" path.
func (idx *domainIndex) insertSuffix(domain string) {
	labels := strings.Split(strings.Trim(domain, "."), ".")
	node := idx.suffix
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		child, ok := node.children[label]
		if !ok {
			child = &suffixTrieNode{children: make(map[string]*suffixTrieNode)}
			node.children[label] = child
		}
		node = child
	}
	node.terminal = true
}

func (idx *domainIndex) matchesExact(domain string) bool {
	if len(idx.exact) == 0 {
		return false
	}
	return idx.exact[strings.ToLower(domain)]
}

// matchesSuffix reports whether domain is, or is a subdomain of, any
// inserted suffix.
func (idx *domainIndex) matchesSuffix(domain string) bool {
	labels := strings.Split(strings.Trim(strings.ToLower(domain), "."), ".")
	node := idx.suffix
	for i := len(labels) - 1; i >= 0; i-- {
		child, ok := node.children[labels[i]]
		if !ok {
			return false
		}
		node = child
		if node.terminal {
			return true
		}
	}
	return false
}

func (idx *domainIndex) matchesKeyword(domain string) bool {
	if len(idx.keywords) == 0 {
		return false
	}
	lower := strings.ToLower(domain)
	for _, kw := range idx.keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
