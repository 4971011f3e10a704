package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// 生成签发用户令牌所需的 HMAC 密钥，写入配置的 jwt.secret_key
func generateJWTSecret(size int) (string, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(key), nil
}

func main() {
	size := flag.Int("size", 32, "secret key length in bytes")
	flag.Parse()

	secret, err := generateJWTSecret(*size)
	if err != nil {
		slog.Error("Failed to generate secret", "err", err)
		os.Exit(1)
	}

	fmt.Println(secret)
}
