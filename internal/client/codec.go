package client

import "github.com/bytedance/sonic"

func marshal(v interface{}) ([]byte, error) {
	return sonic.ConfigStd.Marshal(v)
}

func unmarshal(data []byte, v interface{}) error {
	return sonic.ConfigStd.Unmarshal(data, v)
}
