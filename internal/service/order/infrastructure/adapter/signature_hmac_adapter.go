// internal/service/order/infrastructure/adapter/signature_hmac_adapter.go
package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// HMACSignatureVerifier 是 port.SignatureVerifier 的 HMAC-SHA256 实现。
// 签名为对原始请求体的 HMAC 摘要的十六进制编码，与处理商约定一致。
type HMACSignatureVerifier struct {
	secret []byte
}

// NewHMACSignatureVerifier 创建一个新的签名校验器实例。
func NewHMACSignatureVerifier(secret string) *HMACSignatureVerifier {
	return &HMACSignatureVerifier{secret: []byte(secret)}
}

// Verify 校验签名，比较走 hmac.Equal 的常数时间路径。
func (v *HMACSignatureVerifier) Verify(payload []byte, signature string) error {
	if signature == "" {
		return errors.New("missing webhook signature")
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return errors.New("webhook signature is not valid hex")
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, provided) {
		return errors.New("webhook signature mismatch")
	}
	return nil
}

// Sign 生成报文签名，供测试与回放工具使用。
func (v *HMACSignatureVerifier) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
