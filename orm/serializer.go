package orm

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Serializer 负责实体和文档文本之间的转换
type Serializer interface {
	Serialize(entity any) (string, error)
	// Deserialize typ 是结构体类型, 返回指向新实例的指针
	Deserialize(typ reflect.Type, text string) (any, error)
}

var _ Serializer = JSONSerializer{}

type JSONSerializer struct{}

func (JSONSerializer) Serialize(entity any) (string, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (JSONSerializer) Deserialize(typ reflect.Type, text string) (any, error) {
	val := reflect.New(typ)
	if err := json.Unmarshal([]byte(text), val.Interface()); err != nil {
		return nil, err
	}
	return val.Interface(), nil
}

// ChangeDetector 保存时判断一个已持久化的实体是否需要隐式更新
type ChangeDetector interface {
	HasChanged(stored string, current any) (bool, error)
}

var _ ChangeDetector = StringChangeDetector{}

// StringChangeDetector 重新序列化之后按字符串比较
// 别的序列化器可能把 / 写成 \/, 这种差异不算变化
type StringChangeDetector struct {
	Serializer Serializer
}

var slashReplacer = strings.NewReplacer(`\/`, `/`)

func (d StringChangeDetector) HasChanged(stored string, current any) (bool, error) {
	text, err := d.serializer().Serialize(current)
	if err != nil {
		return false, err
	}
	if text == stored {
		return false, nil
	}
	return slashReplacer.Replace(text) != slashReplacer.Replace(stored), nil
}

func (d StringChangeDetector) serializer() Serializer {
	if d.Serializer == nil {
		return JSONSerializer{}
	}
	return d.Serializer
}

var _ ChangeDetector = SemanticChangeDetector{}

// SemanticChangeDetector 把两边都解码成通用的 JSON 值再比较
// 字段顺序, 空白, 转义方式都不影响结果
type SemanticChangeDetector struct {
	Serializer Serializer
}

func (d SemanticChangeDetector) HasChanged(stored string, current any) (bool, error) {
	s := d.Serializer
	if s == nil {
		s = JSONSerializer{}
	}
	text, err := s.Serialize(current)
	if err != nil {
		return false, err
	}
	var left, right any
	if err := json.Unmarshal([]byte(stored), &left); err != nil {
		// 存储的文档已经不是合法 JSON, 当成变化处理, 让它被重写
		return true, nil
	}
	if err := json.Unmarshal([]byte(text), &right); err != nil {
		return false, err
	}
	return !reflect.DeepEqual(left, right), nil
}
