// Package audio 电话音频与浏览器播放用线性 PCM 之间的转换
//
// 上行为 8kHz base64 G.711 mu-law，下行为重采样到浏览器播放采样率的
// base64 有符号 16 位小端 PCM。所有函数无状态，可并发使用。
package audio
