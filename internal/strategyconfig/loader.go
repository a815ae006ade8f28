package strategyconfig

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wonny/autotrader/internal/contracts"
)

// Load reads a YAML file over Default() and validates the result
// SSOT 핵심: KnownFields(true)로 오타/미사용 필드 즉시 실패
func Load(path string) (*Config, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, contracts.Configuration("strategyconfig.load", "read %s: %v", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, data, err
	}
	return cfg, data, nil
}

// Parse decodes YAML bytes; fields not present keep their defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // 알 수 없는 필드 발견 시 에러 반환
	if err := dec.Decode(cfg); err != nil {
		return nil, contracts.Configuration("strategyconfig.parse", "%v", err)
	}

	if verrs := Validate(cfg); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, v := range verrs {
			joined[i] = v
		}
		return nil, &contracts.Error{
			Kind: contracts.KindConfiguration,
			Op:   "strategyconfig.validate",
			Err:  errors.Join(joined...),
		}
	}
	return cfg, nil
}

// Hash generates SHA256 hash from Config (canonical JSON)
// 주의: map 대신 struct 사용으로 해시 재현성 보장
func Hash(cfg *Config) (string, error) {
	jsonBytes, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(sum[:]), nil
}
