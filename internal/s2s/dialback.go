package s2s

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
)

// GenerateDialbackKey 生成Server Dialback密钥：
// HMAC-SHA256(secret, local||' '||remote||' '||streamID) 的十六进制
func GenerateDialbackKey(secret []byte, local, remote, streamID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(local))
	mac.Write([]byte{' '})
	mac.Write([]byte(remote))
	mac.Write([]byte{' '})
	mac.Write([]byte(streamID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyDialbackKey 供接入侧校验我方签发的密钥
func VerifyDialbackKey(secret []byte, local, remote, streamID, key string) bool {
	expected := GenerateDialbackKey(secret, local, remote, streamID)
	return hmac.Equal([]byte(expected), []byte(key))
}

// dialbackResult 构造 <db:result> 断言元素
func dialbackResult(from, to, key string) *stanza.Element {
	el := stanza.New("db:result")
	el.SetAttr("from", from)
	el.SetAttr("to", to)
	el.SetText(key)
	return el
}

// dialbackVerify 构造 <db:verify> 质询元素
func dialbackVerify(from, to, id, key string) *stanza.Element {
	el := stanza.New("db:verify")
	el.SetAttr("from", from)
	el.SetAttr("to", to)
	el.SetAttr("id", id)
	el.SetText(key)
	return el
}

// isDialbackResult 判断收到的元素是否为dialback断言回执
func isDialbackResult(el *stanza.Element) bool {
	return (el.Name == "result" && el.Space == stanza.NSDialback) || el.Name == "db:result"
}

func isDialbackVerify(el *stanza.Element) bool {
	return (el.Name == "verify" && el.Space == stanza.NSDialback) || el.Name == "db:verify"
}
