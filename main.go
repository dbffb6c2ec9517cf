/*
 * @Author: calmwu
 * @Date: 2022-07-14 22:38:50
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-27 15:44:10
 */

package main

import (
	"go.uber.org/automaxprocs/maxprocs"
	"wxguard.calmwu/cmd"
)

func main() {
	undo, _ := maxprocs.Set()
	defer undo()
	cmd.Main()
}

// ./wxguard --config=config/testdata/config.yaml --log_dir=/var/log/wxguard/ --v=3
