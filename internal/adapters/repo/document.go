package repo

import (
	"encoding/json"
	"fmt"

	"tg-forward-bot/internal/domain"
)

// userDocument — формат хранения пользователя на диске и в jsonb.
type userDocument struct {
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`
	// APISecret — старое имя поля api_hash, читается только для совместимости.
	APISecret       string             `json:"api_secret,omitempty"`
	Phone           string             `json:"phone"`
	ForwardingRules map[string][]int64 `json:"forwarding_rules"`
}

func encodeDocument(cfg domain.UserConfig) ([]byte, error) {
	doc := userDocument{
		APIID:           cfg.Credential.APIID,
		APIHash:         cfg.Credential.APIHash,
		Phone:           cfg.Credential.Phone,
		ForwardingRules: normalizeRules(cfg.Rules),
	}
	return json.MarshalIndent(doc, "", "    ")
}

func decodeDocument(data []byte) (domain.UserConfig, error) {
	var doc userDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.UserConfig{}, fmt.Errorf("разбор документа пользователя: %w", err)
	}
	hash := doc.APIHash
	if hash == "" {
		hash = doc.APISecret
	}
	return domain.UserConfig{
		Credential: domain.Credential{APIID: doc.APIID, APIHash: hash, Phone: doc.Phone},
		Rules:      normalizeRules(doc.ForwardingRules),
	}, nil
}

// normalizeRules приводит ключи к каноничному виду, убирает дубли и пустые списки.
func normalizeRules(in map[string][]int64) domain.RuleSet {
	out := make(domain.RuleSet, len(in))
	for rawKey, dests := range in {
		key, err := domain.NormalizeSourceKey(rawKey)
		if err != nil {
			continue
		}
		for _, dest := range dests {
			if dest == 0 || containsID(out[key], dest) {
				continue
			}
			out[key] = append(out[key], dest)
		}
	}
	return out
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func emptyConfig() domain.UserConfig {
	return domain.UserConfig{Rules: domain.RuleSet{}}
}
