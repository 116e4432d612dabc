package main

import (
    "fmt"

    "github.com/PelionIoT/servicedir/server"
    "github.com/PelionIoT/servicedir/shared"
)

func init() {
    registerCommand("start", startServer, startUsage)
}

var startUsage string =
`Usage: servicedir start -conf=[config file]
`

func startServer() {
    var sc shared.YAMLServerConfig

    err := sc.LoadFromFile(*optConfigFile)

    if err != nil {
        fmt.Printf("Unable to load config file: %s\n", err.Error())

        return
    }

    registryServer, err := server.NewServer(sc)

    if err != nil {
        fmt.Printf("Unable to create server: %s\n", err.Error())

        return
    }

    registryServer.Start()
}
