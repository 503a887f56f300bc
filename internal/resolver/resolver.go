// Package resolver 实现远端域名到候选地址列表的解析
package resolver

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
)

const (
	srvService         = "_xmpp-server._tcp."
	srvFallbackService = "_jabber._tcp."
)

// Candidate 表示一个可供连接的 (地址, 端口) 候选
type Candidate struct {
	IP   net.IP
	Host string
	Port int
}

// SRVEntry 是一条SRV记录
type SRVEntry struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

type Resolver struct {
	client      *dns.Client
	servers     []string
	timeout     time.Duration
	retries     int
	defaultPort int
	families    []string

	mu  sync.Mutex
	rnd *rand.Rand
}

type Options struct {
	Timeout     time.Duration
	Retries     int
	DefaultPort int
	Families    []string
	Servers     []string // 留空时读取 /etc/resolv.conf
	Rand        *rand.Rand
}

func New(opts Options) *Resolver {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries == 0 {
		opts.Retries = 2
	}
	if opts.DefaultPort == 0 {
		opts.DefaultPort = 5269
	}
	if len(opts.Families) == 0 {
		opts.Families = []string{"ipv4", "ipv6"}
	}
	if len(opts.Servers) == 0 {
		if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range cfg.Servers {
				opts.Servers = append(opts.Servers, net.JoinHostPort(s, cfg.Port))
			}
		}
		if len(opts.Servers) == 0 {
			opts.Servers = []string{"127.0.0.1:53"}
		}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Resolver{
		client:      &dns.Client{Timeout: opts.Timeout},
		servers:     opts.Servers,
		timeout:     opts.Timeout,
		retries:     opts.Retries,
		defaultPort: opts.DefaultPort,
		families:    opts.Families,
		rnd:         opts.Rand,
	}
}

// Resolve 将域名解析为有序候选地址列表。解析失败返回空列表，
// 由会话进入重试退避状态
func (r *Resolver) Resolve(ctx context.Context, domain string) []Candidate {
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		logger.WarnF("[%s] Fail to IDNA-encode domain, details: %v", domain, err)
		return nil
	}

	entries := r.lookupSRV(ctx, srvService+ascii+".")
	if len(entries) == 0 {
		entries = r.lookupSRV(ctx, srvFallbackService+ascii+".")
	}

	if len(entries) == 0 {
		// 无SRV记录时退回域名本身加默认端口
		entries = []SRVEntry{{Target: ascii, Port: uint16(r.defaultPort)}}
	} else {
		r.mu.Lock()
		entries = SortSRV(entries, r.rnd)
		r.mu.Unlock()
	}

	var candidates []Candidate
	for _, e := range entries {
		ips := r.lookupAddrs(ctx, e.Target)
		for _, ip := range ips {
			candidates = append(candidates, Candidate{IP: ip, Host: e.Target, Port: int(e.Port)})
		}
	}
	return candidates
}

// SortSRV 按优先级升序排序，同优先级内按权重随机：
// key = priority*65536 - (weight+1)*U，U ∈ [0,1)，
// 权重为零的记录 key = priority*65536
func SortSRV(entries []SRVEntry, rnd *rand.Rand) []SRVEntry {
	type keyed struct {
		entry SRVEntry
		key   float64
	}
	keyedEntries := make([]keyed, len(entries))
	for i, e := range entries {
		key := float64(e.Priority) * 65536
		if e.Weight > 0 {
			key -= float64(e.Weight+1) * rnd.Float64()
		}
		keyedEntries[i] = keyed{entry: e, key: key}
	}
	sort.SliceStable(keyedEntries, func(i, j int) bool {
		return keyedEntries[i].key < keyedEntries[j].key
	})
	result := make([]SRVEntry, len(entries))
	for i, k := range keyedEntries {
		result[i] = k.entry
	}
	return result
}

func (r *Resolver) lookupSRV(ctx context.Context, name string) []SRVEntry {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeSRV)

	reply := r.exchange(ctx, msg)
	if reply == nil {
		return nil
	}
	var entries []SRVEntry
	for _, rr := range reply.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			entries = append(entries, SRVEntry{
				Priority: srv.Priority,
				Weight:   srv.Weight,
				Port:     srv.Port,
				Target:   dns.Fqdn(srv.Target),
			})
		}
	}
	return entries
}

func (r *Resolver) lookupAddrs(ctx context.Context, host string) []net.IP {
	// 目标可能已经是字面IP
	if ip := net.ParseIP(trimDot(host)); ip != nil {
		return []net.IP{ip}
	}

	var ips []net.IP
	for _, family := range r.families {
		qtype := dns.TypeA
		if family == "ipv6" {
			qtype = dns.TypeAAAA
		}
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		reply := r.exchange(ctx, msg)
		if reply == nil {
			continue
		}
		for _, rr := range reply.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A)
			case *dns.AAAA:
				ips = append(ips, a.AAAA)
			}
		}
	}
	return ips
}

func (r *Resolver) exchange(ctx context.Context, msg *dns.Msg) *dns.Msg {
	for attempt := 0; attempt < r.retries; attempt++ {
		for _, server := range r.servers {
			reply, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				logger.DebugF("DNS query %s via %s failed, details: %v",
					msg.Question[0].Name, server, err)
				continue
			}
			if reply.Rcode != dns.RcodeSuccess {
				return nil
			}
			return reply
		}
	}
	logger.WarnF("DNS query %s failed after %d attempts", msg.Question[0].Name, r.retries)
	return nil
}

func trimDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
