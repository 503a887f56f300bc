package s2s

import (
	"io"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/xmlstream"
)

// handleStreamEvent 按当前状态消化一个流事件。除升级路径外，
// 处理完毕后都要唤醒读取协程
func (s *Session) handleStreamEvent(ev xmlstream.Event, err error) {
	if err != nil {
		if err == io.EOF {
			s.terminate("stream closed by peer")
			return
		}
		if err == xmlstream.ErrNotWellFormed {
			s.sendStreamError(stanza.StreamErrNotWellFormed)
			s.terminate("stream not well formed")
			return
		}
		s.terminate("stream read error: " + err.Error())
		return
	}

	switch ev.Type {
	case xmlstream.EventStreamStart:
		s.handleStreamStart(stanza.ParseStreamAttrs(ev.Attrs))
	case xmlstream.EventElement:
		s.handleElement(ev.Element)
	case xmlstream.EventStreamEnd:
		s.terminate("stream end")
	}
}

func (s *Session) handleStreamStart(attrs stanza.StreamAttrs) {
	if s.state != StateWaitForStream {
		s.terminate("unexpected stream start in state " + s.state.String())
		return
	}
	if attrs.Namespace != stanza.NSServer {
		s.sendStreamError(stanza.StreamErrInvalidNamespace)
		s.terminate("invalid stream namespace " + attrs.Namespace)
		return
	}
	s.peerStreamID = attrs.ID
	if attrs.Dialback {
		s.dialbackEnabled = true
	}

	if attrs.Version == "1.0" && s.useV10 {
		s.setState(StateWaitForFeatures)
		s.resumeReader()
		return
	}

	// 1.0之前的流没有features阶段，直接进入dialback或校验
	if s.role == RoleVerify {
		s.sendVerifyRequest()
		return
	}
	if attrs.Dialback || !s.useV10 {
		s.sendDialbackKey()
		return
	}
	s.terminate("peer offers no authentication path")
}

func (s *Session) handleElement(el *stanza.Element) {
	switch s.state {
	case StateWaitForFeatures:
		s.handleFeatures(el)
	case StateWaitForAuthResult:
		s.handleAuthResult(el)
	case StateWaitForStartTLSProceed:
		s.handleStartTLSProceed(el)
	case StateWaitForValidation:
		s.handleValidation(el)
	case StateStreamEstablished:
		if isDialbackVerify(el) {
			s.forwardVerifyResult(el)
			s.resumeReader()
			return
		}
		logger.DebugF("[%s -> %s] Ignoring inbound %s element on outgoing stream", s.local, s.remote, el.Name)
		s.resumeReader()
	default:
		s.terminate("unexpected element " + el.Name + " in state " + s.state.String())
	}
}

func (s *Session) handleFeatures(el *stanza.Element) {
	if el.Name != "features" {
		s.terminate("expected stream features, got " + el.Name)
		return
	}

	if s.role == RoleVerify {
		s.sendVerifyRequest()
		return
	}

	starttls := el.ChildNS("starttls", stanza.NSTLS)
	mechanisms := el.ChildNS("mechanisms", stanza.NSSASL)
	if el.Child("dialback") != nil {
		s.dialbackEnabled = true
	}
	s.tlsOffered = starttls != nil
	s.tlsRequired = starttls != nil && starttls.Child("required") != nil

	if s.offersExternal(mechanisms) && s.tlsEnabled && s.mayTryAuth && !s.authenticated {
		if err := s.sendSASLExternal(); err != nil {
			s.terminate("send failed")
			return
		}
		s.setState(StateWaitForAuthResult)
		s.resumeReader()
		return
	}

	if s.tlsOffered && s.cfg.UseStartTLS && !s.tlsEnabled {
		if err := s.sendElement(stanza.NewNS("starttls", stanza.NSTLS)); err != nil {
			s.terminate("send failed")
			return
		}
		s.setState(StateWaitForStartTLSProceed)
		s.resumeReader()
		return
	}

	if s.tlsRequired && !s.cfg.UseStartTLS {
		// 对端强制TLS而本地关闭：降级为1.0之前的dialback重连
		logger.InfoF("[%s -> %s] Peer requires STARTTLS but TLS is disabled, falling back to pre-1.0 dialback", s.local, s.remote)
		s.useV10 = false
		s.enterReopenSocket()
		return
	}

	if s.authenticated {
		s.enterEstablished()
		s.resumeReader()
		return
	}

	if s.dialbackEnabled || s.dialbackKey != "" {
		s.sendDialbackKey()
		return
	}

	s.terminate("no usable authentication mechanism")
}

func (s *Session) offersExternal(mechanisms *stanza.Element) bool {
	if mechanisms == nil {
		return false
	}
	for _, m := range mechanisms.ChildrenNamed("mechanism") {
		if m.Text == "EXTERNAL" {
			return true
		}
	}
	return false
}

func (s *Session) handleAuthResult(el *stanza.Element) {
	switch {
	case el.Name == "success" && el.Namespace() == stanza.NSSASL:
		s.authenticated = true
		s.stopReader()
		s.startReader()
		s.openStream()
	case el.Name == "failure" && el.Namespace() == stanza.NSSASL:
		logger.WarnF("[%s -> %s] SASL EXTERNAL failed", s.local, s.remote)
		s.mayTryAuth = false
		s.enterReopenSocket()
	default:
		s.terminate("unexpected element " + el.Name + " while waiting for auth result")
	}
}

func (s *Session) handleStartTLSProceed(el *stanza.Element) {
	if el.Name != "proceed" || el.Namespace() != stanza.NSTLS {
		s.terminate("unexpected element " + el.Name + " while waiting for starttls proceed")
		return
	}
	s.stopReader()
	if err := s.conn.StartTLS(s.tlsConfig()); err != nil {
		s.terminate("TLS handshake failed")
		return
	}
	s.tlsEnabled = true
	s.startReader()
	s.openStream()
}

func (s *Session) handleValidation(el *stanza.Element) {
	switch {
	case isDialbackResult(el):
		if el.Attr("type") == "valid" {
			s.authenticated = true
			s.enterEstablished()
			s.resumeReader()
			return
		}
		logger.WarnF("[%s -> %s] Dialback rejected: type=%s", s.local, s.remote, el.Attr("type"))
		s.terminate("dialback rejected")
	case isDialbackVerify(el):
		s.forwardVerifyResult(el)
		if s.role == RoleVerify {
			s.terminate("verification finished")
			return
		}
		s.resumeReader()
	default:
		s.terminate("unexpected element " + el.Name + " while waiting for validation")
	}
}

// sendDialbackKey 登记会话槽位并发送 <db:result> 断言
func (s *Session) sendDialbackKey() {
	if !s.registered {
		key, token, ok := s.registry.TryRegister(s.local, s.remote, s)
		if !ok {
			// 竞争失败：队列转投胜者，本会话退出
			logger.DebugF("[%s -> %s] Lost registration race", s.local, s.remote)
			queue := s.queue
			s.queue = nil
			for _, el := range queue {
				_ = s.registry.Send(s.local, s.remote, el)
			}
			s.terminate("registration race lost")
			return
		}
		s.registered = true
		s.dialbackKey = key
		s.token = token
	}
	if err := s.sendElement(dialbackResult(s.local, s.remote, s.dialbackKey)); err != nil {
		s.terminate("send failed")
		return
	}
	s.setState(StateWaitForValidation)
	s.resumeReader()
}

func (s *Session) sendVerifyRequest() {
	req := dialbackVerify(s.local, s.remote, s.verify.StreamID, s.verify.Key)
	if err := s.sendElement(req); err != nil {
		s.terminate("send failed")
		return
	}
	s.setState(StateWaitForValidation)
	s.resumeReader()
}

// forwardVerifyResult 将 <db:verify> 的结论转发给发起方
func (s *Session) forwardVerifyResult(el *stanza.Element) {
	valid := el.Attr("type") == "valid"
	id := el.Attr("id")
	if s.role == RoleVerify {
		id = s.verify.RequestID
	}
	if s.registry.onVerifyResult != nil {
		s.registry.onVerifyResult(valid, s.local, s.remote, id)
	}
}
