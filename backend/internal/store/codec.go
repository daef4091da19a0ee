package store

import (
	"github.com/fxamacker/cbor/v2"
)

// 段文件里的记录用确定性 CBOR 编码，时间保留纳秒
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("store: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: cbor decoder: " + err.Error())
	}
}
