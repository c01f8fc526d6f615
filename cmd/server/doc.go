// Command server 啟動雙人對戰中繼服務器
//
// 客戶端以 TCP（每行一則 JSON）或 WebSocket 連線，第一則訊息是握手：
//
//	{"room_code": "ABC", "mode": "P"}   以玩家身份加入
//	{"room_code": "ABC", "mode": "S"}   以觀戰者身份加入
//
// 同一房間代碼最多兩位玩家、不限觀戰者。第二位玩家加入時遊戲開始，
// 之後玩家的每一次輸入都由服務器依遊戲規則更新狀態，並以相同順序
// 廣播給房間內的所有人。
//
// 使用方式：
//
//	server -config config.yaml
//	server -log-level debug -log-format json
//
// 環境變數 RELAY_TCP_ADDR、RELAY_HTTP_ADDR、RELAY_RULES、REDIS_ADDR、
// NATS_URL、LOG_LEVEL 會覆蓋配置檔。
package main
