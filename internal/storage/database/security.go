package database

import (
	"fmt"
	"regexp"
	"strings"
)

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// ValidateCollectionName 驗證 MongoDB 集合名稱（防止操作符與系統集合）
func ValidateCollectionName(name string) error {
	if strings.HasPrefix(name, "system") {
		return fmt.Errorf("不允許的集合名稱: %s", name)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("無效的集合名稱: %s", name)
	}
	return nil
}

// ValidateDocumentID 驗證文件 ID / Redis 鍵
func ValidateDocumentID(id string) error {
	if id == "" || len(id) > 128 {
		return fmt.Errorf("無效的文件 ID 長度")
	}
	if strings.HasPrefix(id, "$") {
		return fmt.Errorf("文件 ID 不能以 $ 開頭")
	}
	if strings.ContainsAny(id, "\x00 \t\r\n{}") {
		return fmt.Errorf("文件 ID 包含不允許的字元")
	}
	return nil
}
