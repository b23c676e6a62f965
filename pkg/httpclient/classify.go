package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// IsTimeout は通信エラーが制限時間超過によるものかを判定する。
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsUnreachable は通信エラーが接続拒否・名前解決失敗・接続断によるものかを判定する。
// タイムアウトと呼び出し元のキャンセルは含まない。
func IsUnreachable(err error) bool {
	if err == nil || IsTimeout(err) || errors.Is(err, context.Canceled) {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
