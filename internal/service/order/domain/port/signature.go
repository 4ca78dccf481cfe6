package port

// SignatureVerifier 校验 webhook 原始报文的签名。
// 任何解析发生之前先过签名：没签名或签错的报文连 JSON 都不配被读。
type SignatureVerifier interface {
	Verify(payload []byte, signature string) error
}
