// Package dnsdiscovery 把端点解析暴露为DNS接口。
// 查询 <service>.<domain> 的A记录返回全部健康实例的IP，
// SRV记录额外携带端口与权重，供不经过管理API的客户端做服务发现。
package dnsdiscovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/fleet-orchestrator/internal/config"
	"github.com/hewenyu/fleet-orchestrator/internal/discovery"
)

// Options 定义DNS服务器参数
type Options struct {
	ListenAddress string
	Port          int
	Domain        string // 本地域名后缀，如 "fleet.local"
	TTL           int    // 应答记录TTL（秒）
}

// Server 基于端点解析器应答A/SRV查询的DNS服务器
type Server struct {
	udpServer *dns.Server
	tcpServer *dns.Server
	resolver  *discovery.Resolver
	logger    config.Logger
	opts      Options
	domain    string
}

// NewServer 创建DNS服务器
func NewServer(resolver *discovery.Resolver, logger config.Logger, opts Options) *Server {
	if opts.TTL <= 0 {
		opts.TTL = 10
	}
	addr := fmt.Sprintf("%s:%d", opts.ListenAddress, opts.Port)

	s := &Server{
		resolver: resolver,
		logger:   logger,
		opts:     opts,
		domain:   strings.TrimSuffix(opts.Domain, ".") + ".",
	}
	s.udpServer = &dns.Server{Addr: addr, Net: "udp", Handler: s}
	s.tcpServer = &dns.Server{Addr: addr, Net: "tcp", Handler: s}
	return s
}

// Start 启动UDP与TCP监听
func (s *Server) Start() {
	go func() {
		s.logger.Info("DNS UDP服务器启动", zap.String("address", s.udpServer.Addr))
		if err := s.udpServer.ListenAndServe(); err != nil {
			s.logger.Error("DNS UDP服务器退出", zap.Error(err))
		}
	}()
	go func() {
		s.logger.Info("DNS TCP服务器启动", zap.String("address", s.tcpServer.Addr))
		if err := s.tcpServer.ListenAndServe(); err != nil {
			s.logger.Error("DNS TCP服务器退出", zap.Error(err))
		}
	}()
}

// Stop 关闭DNS服务器
func (s *Server) Stop() {
	if err := s.udpServer.Shutdown(); err != nil {
		s.logger.Error("关闭DNS UDP服务器失败", zap.Error(err))
	}
	if err := s.tcpServer.Shutdown(); err != nil {
		s.logger.Error("关闭DNS TCP服务器失败", zap.Error(err))
	}
}

// ServeDNS 处理DNS请求
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	if r.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		w.WriteMsg(m)
		return
	}
	if len(r.Question) == 0 {
		m.Rcode = dns.RcodeFormatError
		w.WriteMsg(m)
		return
	}

	q := r.Question[0]
	name := strings.ToLower(q.Name)

	serviceName, ok := s.serviceName(name)
	if !ok {
		m.Rcode = dns.RcodeNameError
		w.WriteMsg(m)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endpoints, err := s.resolver.Resolve(ctx, serviceName)
	if err != nil || len(endpoints) == 0 {
		m.Rcode = dns.RcodeNameError
		w.WriteMsg(m)
		return
	}

	switch q.Qtype {
	case dns.TypeA:
		for _, ep := range endpoints {
			host, _, err := net.SplitHostPort(ep.Address)
			if err != nil {
				continue
			}
			ip := net.ParseIP(host)
			if ip == nil || ip.To4() == nil {
				continue
			}
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    uint32(s.opts.TTL),
				},
				A: ip.To4(),
			})
		}
	case dns.TypeSRV:
		for _, ep := range endpoints {
			host, portStr, err := net.SplitHostPort(ep.Address)
			if err != nil {
				continue
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				continue
			}
			m.Answer = append(m.Answer, &dns.SRV{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeSRV,
					Class:  dns.ClassINET,
					Ttl:    uint32(s.opts.TTL),
				},
				Priority: 0,
				Weight:   uint16(ep.Weight),
				Port:     uint16(port),
				Target:   dns.Fqdn(host),
			})
		}
	}

	if len(m.Answer) == 0 {
		m.Rcode = dns.RcodeNameError
		w.WriteMsg(m)
		return
	}

	m.Authoritative = true
	w.WriteMsg(m)
}

// serviceName 从查询名中提取服务名称，要求形如 <service>.<domain>.
func (s *Server) serviceName(name string) (string, bool) {
	if !strings.HasSuffix(name, "."+s.domain) {
		return "", false
	}
	label := strings.TrimSuffix(name, "."+s.domain)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}
