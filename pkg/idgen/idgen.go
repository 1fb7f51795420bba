// 文件: pkg/idgen/idgen.go
// ID 生成器
// - 行 ID: 雪花算法 (github.com/bwmarrin/snowflake)，用于快照等追加表
// - 运行 ID: ULID (github.com/oklog/ulid/v2)，用于任务运行记录，按时间可排序

package idgen

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
)

var (
	node     *snowflake.Node
	nodeErr  error
	initOnce sync.Once

	ulidMu sync.Mutex
	mono   io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// InitSnowflake 初始化雪花节点
// nodeID: 节点ID (0-1023)，多实例部署时必须不同
func InitSnowflake(nodeID int64) error {
	initOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(nodeID)
	})
	return nodeErr
}

// NextID 生成行 ID
// 未初始化则使用默认节点0；node 只经 initOnce 读写
func NextID() int64 {
	if err := InitSnowflake(0); err != nil {
		panic(err)
	}
	return node.Generate().Int64()
}

// NewRunID 生成任务运行 ID
func NewRunID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		panic(err)
	}
	return id.String()
}
